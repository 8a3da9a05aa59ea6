package utility

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of parsed statements kept by NewCache(0).
const DefaultCacheSize = 256

// Cache memoizes Parse by statement text. Parsed statements are never
// modified after Parse returns, so cached values are shared freely.
type Cache struct {
	stmts *lru.Cache[string, *Statement]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	stmts, err := lru.New[string, *Statement](size)
	if err != nil {
		return nil, err
	}
	return &Cache{stmts: stmts}, nil
}

// Parse returns the cached statement for text, parsing it on a miss.
// Parse errors are not cached.
func (c *Cache) Parse(text string) (*Statement, error) {
	if stmt, ok := c.stmts.Get(text); ok {
		return stmt, nil
	}
	stmt, err := Parse(text)
	if err != nil {
		return nil, err
	}
	c.stmts.Add(text, stmt)
	return stmt, nil
}

func (c *Cache) Len() int {
	return c.stmts.Len()
}
