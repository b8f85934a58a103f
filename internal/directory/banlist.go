package directory

import (
	"slices"
	"sync"
)

// BanList is the in-memory set of banned ip addresses. Nothing is persisted.
type BanList struct {
	mu  sync.RWMutex
	ips map[string]struct{}
}

func NewBanList(ips ...string) *BanList {
	b := &BanList{ips: make(map[string]struct{}, len(ips))}
	for _, ip := range ips {
		b.ips[ip] = struct{}{}
	}
	return b
}

func (b *BanList) Add(ip string) {
	b.mu.Lock()
	b.ips[ip] = struct{}{}
	b.mu.Unlock()
}

func (b *BanList) Remove(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ips[ip]
	delete(b.ips, ip)
	return ok
}

func (b *BanList) Contains(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ips[ip]
	return ok
}

// List returns the banned addresses sorted.
func (b *BanList) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ips := make([]string, 0, len(b.ips))
	for ip := range b.ips {
		ips = append(ips, ip)
	}
	slices.Sort(ips)
	return ips
}
