package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process Store used by tests and ephemeral runs.
type Memory struct {
	mu      sync.Mutex
	vals    map[string]memEntry
	hashes  map[string]map[string]string
	hashExp map[string]time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

func NewMemory() *Memory {
	return &Memory{
		vals:    make(map[string]memEntry),
		hashes:  make(map[string]map[string]string),
		hashExp: make(map[string]time.Time),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.vals[key]
	if !ok || m.expiredLocked(key, e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.vals[key] = memEntry{value: value, expiresAt: exp}
	return nil
}

func (m *Memory) SetKeepTTL(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.vals[key]
	if ok && m.expiredLocked(key, prev.expiresAt) {
		ok = false
	}
	e := memEntry{value: value}
	if ok {
		e.expiresAt = prev.expiresAt
	}
	m.vals[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.vals, k)
		delete(m.hashes, k)
		delete(m.hashExp, k)
	}
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(key)
	if h == nil {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashLocked(key)
	if h == nil {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for f, v := range m.hashLocked(key) {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.hashLocked(key))), nil
}

func (m *Memory) HScan(_ context.Context, key string, _ uint64, match string, _ int64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pairs []string
	for f, v := range m.hashLocked(key) {
		if matchGlob(match, f) {
			pairs = append(pairs, f, v)
		}
	}
	return pairs, 0, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp := time.Now().Add(ttl)
	if e, ok := m.vals[key]; ok {
		e.expiresAt = exp
		m.vals[key] = e
	}
	if _, ok := m.hashes[key]; ok {
		m.hashExp[key] = exp
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// TTL reports the remaining TTL for a key, zero when the key has no expiry.
// Test helper; Redis offers the same via the TTL command.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.vals[key]; ok && !e.expiresAt.IsZero() {
		return time.Until(e.expiresAt)
	}
	if exp, ok := m.hashExp[key]; ok && !exp.IsZero() {
		return time.Until(exp)
	}
	return 0
}

func (m *Memory) expiredLocked(key string, exp time.Time) bool {
	if exp.IsZero() || time.Now().Before(exp) {
		return false
	}
	delete(m.vals, key)
	return true
}

func (m *Memory) hashLocked(key string) map[string]string {
	if exp, ok := m.hashExp[key]; ok && !exp.IsZero() && !time.Now().Before(exp) {
		delete(m.hashes, key)
		delete(m.hashExp, key)
		return nil
	}
	return m.hashes[key]
}

// matchGlob supports the patterns the symbol store generates: "*", "*SUB*",
// and more generally ordered '*'-separated segments.
func matchGlob(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	segs := strings.Split(pattern, "*")
	idx := 0
	for i, seg := range segs {
		if seg == "" {
			continue
		}
		pos := strings.Index(s[idx:], seg)
		if pos < 0 {
			return false
		}
		// Anchored start unless the pattern begins with '*'.
		if i == 0 && pos != 0 {
			return false
		}
		idx += pos + len(seg)
	}
	// Anchored end unless the pattern ends with '*'.
	if last := segs[len(segs)-1]; last != "" && !strings.HasSuffix(s, last) {
		return false
	}
	return true
}
