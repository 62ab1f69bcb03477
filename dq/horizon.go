package dq

// horizonTable holds horizon(degree, ttl) = floor(fuzzy^(ttl-1) *
// sum_{i=0..ttl-1} degree^i), precomputed for degree in [1,
// horizonMaxDegree] and ttl in [1, horizonMaxTTL], per §4.1. It assumes a uniform tree with
// per-hop deperdition captured by a single fuzzy factor; higher degrees
// inflate the sum super-linearly, so the table avoids repeated
// exponentiation on the hot path.
type horizonTable struct {
	fuzzy float64
	rows  [][]uint64 // rows[degree-1][ttl-1]
}

const (
	horizonMaxDegree = 50
	horizonMaxTTL    = 5
)

func newHorizonTable(fuzzy float64) *horizonTable {
	t := &horizonTable{
		fuzzy: fuzzy,
		rows:  make([][]uint64, horizonMaxDegree),
	}
	for d := 1; d <= horizonMaxDegree; d++ {
		row := make([]uint64, horizonMaxTTL)
		var sum float64
		factor := 1.0
		power := 1.0 // degree^i
		for ttl := 1; ttl <= horizonMaxTTL; ttl++ {
			sum += power
			power *= float64(d)
			if ttl > 1 {
				factor *= fuzzy
			}
			row[ttl-1] = uint64(factor * sum)
		}
		t.rows[d-1] = row
	}
	return t
}

// horizon clamps degree to [1, horizonMaxDegree] and ttl to [1,
// horizonMaxTTL], then returns the pre-tabulated estimate. horizon(d, 1)
// is always 1, and horizon is non-decreasing in both degree and ttl.
func (t *horizonTable) horizon(degree int, ttl uint8) uint64 {
	if degree < 1 {
		degree = 1
	}
	if degree > horizonMaxDegree {
		degree = horizonMaxDegree
	}
	if ttl < 1 {
		ttl = 1
	}
	if ttl > horizonMaxTTL {
		ttl = horizonMaxTTL
	}
	return t.rows[degree-1][ttl-1]
}
