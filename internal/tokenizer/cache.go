package tokenizer

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// #region cached
// Cached memoizes Tokenize results. Dialogue datasets repeat utterances
// across turns and splits, so the cache is keyed on the raw text.
type Cached struct {
	inner Tokenizer
	cache *lru.Cache
}

// NewCached wraps inner with an LRU of the given size.
func NewCached(inner Tokenizer, size int) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("tokenizer cache: %w", err)
	}
	return &Cached{inner: inner, cache: c}, nil
}

// Tokenize returns a fresh copy of the cached tokens; callers may truncate it.
func (c *Cached) Tokenize(text string) []string {
	if v, ok := c.cache.Get(text); ok {
		return append([]string(nil), v.([]string)...)
	}
	toks := c.inner.Tokenize(text)
	c.cache.Add(text, append([]string(nil), toks...))
	return toks
}

// ConvertTokensToIDs delegates to the wrapped tokenizer.
func (c *Cached) ConvertTokensToIDs(tokens []string) []int {
	return c.inner.ConvertTokensToIDs(tokens)
}

// Len reports the number of cached entries.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// #endregion cached
