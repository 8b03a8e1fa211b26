// Package idgen issues job identifiers that never collide with identifiers already on disk.
package idgen

import (
	"strconv"
	"strings"
	"sync"
)

// Allocator hands out decimal ids. Seeds are every id ever observed in storage, including
// ids salvaged from records that failed to parse.
type Allocator struct {
	mu   sync.Mutex
	used map[string]struct{}
	next int64
}

func New(seed []string) *Allocator {
	a := &Allocator{used: make(map[string]struct{}, len(seed)), next: 1}
	for _, id := range seed {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		a.used[id] = struct{}{}
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n >= a.next {
			a.next = n + 1
		}
	}
	return a
}

// Next returns an id distinct from every seed and every id returned before.
func (a *Allocator) Next() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		id := strconv.FormatInt(a.next, 10)
		a.next++
		if _, taken := a.used[id]; taken {
			continue
		}
		a.used[id] = struct{}{}
		return id
	}
}
