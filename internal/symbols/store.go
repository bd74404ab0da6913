// Package symbols caches the venue's symbol catalog per (user, environment,
// account) as a KV hash of uppercase symbol name to numeric symbol id.
package symbols

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/kv"
)

// DefaultTTL bounds how long a catalog survives without a refresh.
const DefaultTTL = 24 * time.Hour

const scanCount = 200

// Entry is one catalog row as returned by Search.
type Entry struct {
	Symbol   string `json:"symbol"`
	SymbolID int64  `json:"symbolId"`
}

// Store reads and replaces symbol catalogs.
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

func NewStore(store kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: store, ttl: ttl}
}

func key(userID, env string, accountID int64) string {
	return fmt.Sprintf("symbols:%s:%s:%d", userID, env, accountID)
}

// Count reports the catalog size. When the backend cannot answer HLen it
// falls back to a full read.
func (s *Store) Count(ctx context.Context, userID, env string, accountID int64) (int64, error) {
	n, err := s.kv.HLen(ctx, key(userID, env, accountID))
	if err == nil {
		return n, nil
	}
	all, err := s.kv.HGetAll(ctx, key(userID, env, accountID))
	if err != nil {
		return 0, fmt.Errorf("count symbols: %w", err)
	}
	return int64(len(all)), nil
}

// GetSymbolID resolves one symbol name to its id. Missing entries and
// non-positive stored values report ok=false.
func (s *Store) GetSymbolID(ctx context.Context, userID, env string, accountID int64, name string) (int64, bool, error) {
	raw, ok, err := s.kv.HGet(ctx, key(userID, env, accountID), strings.ToUpper(name))
	if err != nil {
		return 0, false, fmt.Errorf("get symbol id: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, nil
	}
	return id, true, nil
}

// ReplaceAll swaps the whole catalog: delete, write every entry, re-arm the
// TTL. Symbol names are stored uppercase.
func (s *Store) ReplaceAll(ctx context.Context, userID, env string, accountID int64, catalog map[string]int64) error {
	k := key(userID, env, accountID)
	if err := s.kv.Del(ctx, k); err != nil {
		return fmt.Errorf("clear symbols: %w", err)
	}
	if len(catalog) == 0 {
		return nil
	}
	fields := make(map[string]string, len(catalog))
	for name, id := range catalog {
		fields[strings.ToUpper(name)] = strconv.FormatInt(id, 10)
	}
	if err := s.kv.HSet(ctx, k, fields); err != nil {
		return fmt.Errorf("write symbols: %w", err)
	}
	if err := s.kv.Expire(ctx, k, s.ttl); err != nil {
		return fmt.Errorf("expire symbols: %w", err)
	}
	return nil
}

// Search returns up to limit catalog entries whose name contains needle
// (case-insensitive). An empty needle returns up to limit entries in
// arbitrary order. The incremental scan is backed by a full-read fallback
// in case the backend's pattern matching comes up empty.
func (s *Store) Search(ctx context.Context, userID, env string, accountID int64, needle string, limit int) ([]Entry, error) {
	k := key(userID, env, accountID)
	needle = strings.ToUpper(strings.TrimSpace(needle))
	pattern := "*"
	if needle != "" {
		pattern = "*" + needle + "*"
	}

	entries := make([]Entry, 0, limit)
	var cursor uint64
	for {
		pairs, next, err := s.kv.HScan(ctx, k, cursor, pattern, scanCount)
		if err != nil {
			return nil, fmt.Errorf("scan symbols: %w", err)
		}
		for i := 0; i+1 < len(pairs) && len(entries) < limit; i += 2 {
			if e, ok := parseEntry(pairs[i], pairs[i+1]); ok {
				entries = append(entries, e)
			}
		}
		if next == 0 || len(entries) >= limit {
			break
		}
		cursor = next
	}
	if len(entries) > 0 {
		return entries, nil
	}

	// Some backends mis-handle scan patterns; a full read with a client-side
	// filter is the source of truth.
	all, err := s.kv.HGetAll(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("read symbols: %w", err)
	}
	for name, raw := range all {
		if needle != "" && !strings.Contains(name, needle) {
			continue
		}
		if e, ok := parseEntry(name, raw); ok {
			entries = append(entries, e)
		}
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func parseEntry(name, raw string) (Entry, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Entry{}, false
	}
	return Entry{Symbol: name, SymbolID: id}, true
}
