package analysis

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// FeatureCache memoizes structural analysis keyed by statement text.
// Applications tend to issue a small set of templated statements at high
// volume, so the hit rate is high and re-tokenizing the same text per
// execution is wasted work. Cached Features are treated as read-only.
type FeatureCache struct {
	cache *lru.Cache[string, *Features]
}

// NewFeatureCache creates a cache holding up to size analyzed statements.
func NewFeatureCache(size int) (*FeatureCache, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *Features](size)
	if err != nil {
		return nil, err
	}
	return &FeatureCache{cache: cache}, nil
}

// Analyze returns the features for sql, computing and caching on miss.
func (fc *FeatureCache) Analyze(sql string) *Features {
	key := StripHint(sql)
	if f, ok := fc.cache.Get(key); ok {
		return f
	}
	f := Analyze(sql)
	fc.cache.Add(key, f)
	return f
}

// Len returns the number of cached entries.
func (fc *FeatureCache) Len() int {
	return fc.cache.Len()
}
