package pattern

import (
	"regexp"
	"sync"
)

// regexCache 正则编译缓存，按原始文本复用编译结果
type regexCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var compiled = &regexCache{m: make(map[string]*regexp.Regexp)}

// Get 返回缓存的编译结果，未命中时编译并写入缓存
func (c *regexCache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[pattern] = re
	c.mu.Unlock()
	return re, nil
}
