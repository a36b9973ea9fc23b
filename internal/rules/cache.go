package rules

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a thread-safe LRU cache of compiled regular expressions, so rule
// recompiles and ad-hoc evaluations do not re-parse hot patterns.
type Cache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

// NewCache creates a compile cache holding up to maxItems patterns.
func NewCache(maxItems int) (*Cache, error) {
	c, err := lru.New[string, *regexp.Regexp](maxItems)
	if err != nil {
		return nil, err
	}
	return &Cache{cache: c}, nil
}

// Get returns the compiled form of pattern, compiling on miss.
// Compile failures are returned and never cached.
func (c *Cache) Get(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.cache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.cache.Add(pattern, re)
	return re, nil
}

// Len returns the current number of cached patterns.
func (c *Cache) Len() int {
	return c.cache.Len()
}
