// Package store provides the flat key-value state shared by the calibration,
// program, and tank components. Keys are namespaced per module and pump; the
// store offers no multi-key transactions, so callers must not assume two
// writes are atomic together.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// KV is the persistence interface injected into every component. Tests use
// the in-memory implementation; the service uses the JSON-file one.
type KV interface {
	Get(key string) (string, bool)
	Put(key, value string) error
	Delete(key string) error
	Keys(prefix string) []string
}

// Key builds the per-pump key namespace: esp_<moduleID>_pump<N>_<field>.
func Key(moduleID string, pump int, field string) string {
	return fmt.Sprintf("esp_%s_pump%d_%s", moduleID, pump, field)
}

// ModuleKey builds the per-module key namespace: esp_<moduleID>_<field>.
func ModuleKey(moduleID, field string) string {
	return fmt.Sprintf("esp_%s_%s", moduleID, field)
}

// MemKV is a map-backed KV for tests and the debug entrypoint.
type MemKV struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemKV() *MemKV {
	return &MemKV{m: make(map[string]string)}
}

func (s *MemKV) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *MemKV) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemKV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *MemKV) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
