package dq

// templateCache holds one pre-serialised copy of a query's outgoing
// search message per TTL actually used (§4.2). Index ttl-1 mirrors the
// horizon table's indexing convention.
type templateCache struct {
	tmpl  QueryTemplate
	byTTL [horizonMaxTTL][]byte
}

func newTemplateCache(tmpl QueryTemplate) *templateCache {
	return &templateCache{tmpl: tmpl}
}

// messageFor returns the cached wire message for ttl, building and
// caching it on first use via build. Subsequent calls for the same TTL
// return the identical cached buffer.
func (c *templateCache) messageFor(ttl uint8, build func(tmpl QueryTemplate, ttl uint8) []byte) []byte {
	if ttl < 1 {
		ttl = 1
	}
	if ttl > horizonMaxTTL {
		ttl = horizonMaxTTL
	}
	idx := int(ttl) - 1
	if c.byTTL[idx] == nil {
		c.byTTL[idx] = build(c.tmpl, ttl)
	}
	return c.byTTL[idx]
}
