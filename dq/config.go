package dq

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config holds every tunable constant named in the dynamic query engine's
// design. Field names follow the constant names used by the original
// implementation so operators coming from that background recognize them.
type Config struct {
	MaxLifetime       time.Duration `mapstructure:"max-lifetime"`
	LingerTimeout     time.Duration `mapstructure:"linger-timeout"`
	LingerCancelled   time.Duration `mapstructure:"linger-cancelled-timeout"`
	ProbeTimeout      time.Duration `mapstructure:"probe-timeout"`
	PendingTimeout    time.Duration `mapstructure:"pending-timeout"`
	BaseResultTimeout time.Duration `mapstructure:"base-result-timeout"`
	MinResultTimeout  time.Duration `mapstructure:"min-result-timeout"`
	TimeoutAdjustStep time.Duration `mapstructure:"timeout-adjust-step"`
	GuidanceTimeout   time.Duration `mapstructure:"guidance-timeout"`

	MaxPending            int `mapstructure:"max-pending"`
	MaxStatTimeouts       int `mapstructure:"max-stat-timeouts"`
	GuidanceThreshold     int `mapstructure:"guidance-threshold"`
	MinResultsForGuidance int `mapstructure:"min-results-for-guidance"`

	LeafTarget  uint32 `mapstructure:"leaf-target"`
	LocalTarget uint32 `mapstructure:"local-target"`
	URNDivisor  uint32 `mapstructure:"urn-divisor"`

	ProbeFanout   int     `mapstructure:"probe-fanout"`
	MaxHorizon    uint64  `mapstructure:"max-horizon"`
	AdjustThresh  uint64  `mapstructure:"adjust-threshold"`
	LowResultMark uint64  `mapstructure:"low-result-mark"`
	KeptFactor    float64 `mapstructure:"kept-factor"`

	MaxTTL          uint8   `mapstructure:"max-ttl"`
	QueueEpsilon    int64   `mapstructure:"queue-epsilon-bytes"`
	FuzzyFactor     float64 `mapstructure:"fuzzy-factor"`
	AvgUltraPerLeaf int     `mapstructure:"avg-ultra-per-leaf"`

	// MaxUpSent bounds how many ultrapeers a single query may ever be
	// dispatched to before the engine gives up on it (§4.5 "up_sent >=
	// configured upper bound").
	MaxUpSent int `mapstructure:"max-up-sent"`

	// CandidateCacheSize bounds the LRU used to memoize QRP admission
	// results per query; only the probe step consults it (see
	// SPEC_FULL.md DOMAIN STACK).
	CandidateCacheSize int `mapstructure:"candidate-cache-size"`

	// WatchdogInterval is how often the background sweep runs (see
	// Engine.runWatchdog for what it does and does not catch). Zero
	// disables the watchdog.
	WatchdogInterval time.Duration `mapstructure:"watchdog-interval"`
}

// DefaultConfig returns the constants from §6 of the design document.
func DefaultConfig() Config {
	return Config{
		MaxLifetime:       600 * time.Second,
		LingerTimeout:     180 * time.Second,
		LingerCancelled:   time.Millisecond,
		ProbeTimeout:      1500 * time.Millisecond,
		PendingTimeout:    1200 * time.Millisecond,
		BaseResultTimeout: 3700 * time.Millisecond,
		MinResultTimeout:  1500 * time.Millisecond,
		TimeoutAdjustStep: 100 * time.Millisecond,
		GuidanceTimeout:   40 * time.Second,

		MaxPending:            3,
		MaxStatTimeouts:       2,
		GuidanceThreshold:     3,
		MinResultsForGuidance: 20,

		LeafTarget:  50,
		LocalTarget: 150,
		URNDivisor:  25,

		ProbeFanout:   3,
		MaxHorizon:    500_000,
		AdjustThresh:  3_000,
		LowResultMark: 10,
		KeptFactor:    0.05,

		MaxTTL:          5,
		QueueEpsilon:    2048,
		FuzzyFactor:     0.80,
		AvgUltraPerLeaf: 3,

		MaxUpSent:          1024,
		CandidateCacheSize: 256,
		WatchdogInterval:   5 * time.Second,
	}
}

// Validate rejects tunable combinations that would make the state machine
// misbehave.
func (c *Config) Validate() error {
	if c.ProbeFanout <= 0 {
		return fmt.Errorf("probe fanout must be positive, got %d", c.ProbeFanout)
	}
	if c.MinResultTimeout > c.BaseResultTimeout {
		return fmt.Errorf("min result timeout (%s) exceeds base result timeout (%s)",
			c.MinResultTimeout, c.BaseResultTimeout)
	}
	if c.MaxTTL == 0 {
		return fmt.Errorf("max ttl must be positive")
	}
	if c.FuzzyFactor <= 0 || c.FuzzyFactor > 1 {
		return fmt.Errorf("fuzzy factor must be in (0, 1], got %f", c.FuzzyFactor)
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("max pending must be positive, got %d", c.MaxPending)
	}
	if c.LingerTimeout <= 0 || c.LingerCancelled <= 0 {
		return fmt.Errorf("linger timeouts must be positive")
	}
	return nil
}

// LoadConfig decodes raw (typically produced by a host process's own
// viper/yaml unmarshal into a map[string]any) onto a copy of base, using the
// same decode hooks the node config loader registers for duration strings.
func LoadConfig(base Config, raw map[string]any) (Config, error) {
	cfg := base
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, fmt.Errorf("decode dq config: %w", err)
	}
	return cfg, nil
}
