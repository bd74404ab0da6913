package symbols_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/kv"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/symbols"
)

var catalog = map[string]int64{
	"EURUSD": 1,
	"EURGBP": 2,
	"USDJPY": 3,
	"GBPUSD": 4,
}

func seeded(t *testing.T) (*symbols.Store, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	s := symbols.NewStore(mem, time.Hour)
	if err := s.ReplaceAll(context.Background(), "u1", "demo", 42, catalog); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	return s, mem
}

func TestReplaceAllAndLookup(t *testing.T) {
	s, mem := seeded(t)
	ctx := context.Background()

	n, err := s.Count(ctx, "u1", "demo", 42)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != int64(len(catalog)) {
		t.Errorf("Count = %d, want %d", n, len(catalog))
	}

	for name, want := range catalog {
		id, ok, err := s.GetSymbolID(ctx, "u1", "demo", 42, name)
		if err != nil || !ok {
			t.Fatalf("GetSymbolID(%s): ok=%v err=%v", name, ok, err)
		}
		if id != want {
			t.Errorf("GetSymbolID(%s) = %d, want %d", name, id, want)
		}
	}

	// Lookups are case-insensitive; the stored names are uppercase.
	id, ok, _ := s.GetSymbolID(ctx, "u1", "demo", 42, "eurusd")
	if !ok || id != 1 {
		t.Errorf("GetSymbolID(eurusd) = %d ok=%v, want 1 true", id, ok)
	}

	if _, ok, _ := s.GetSymbolID(ctx, "u1", "demo", 42, "XAUUSD"); ok {
		t.Error("GetSymbolID(XAUUSD) ok = true for missing symbol")
	}

	if ttl := mem.TTL("symbols:u1:demo:42"); ttl <= 0 || ttl > time.Hour {
		t.Errorf("catalog TTL = %v, want within 1h", ttl)
	}
}

func TestReplaceAllDropsOldEntries(t *testing.T) {
	s, _ := seeded(t)
	ctx := context.Background()

	if err := s.ReplaceAll(ctx, "u1", "demo", 42, map[string]int64{"XAUUSD": 9}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	if _, ok, _ := s.GetSymbolID(ctx, "u1", "demo", 42, "EURUSD"); ok {
		t.Error("EURUSD survived a full replace")
	}
	n, _ := s.Count(ctx, "u1", "demo", 42)
	if n != 1 {
		t.Errorf("Count after replace = %d, want 1", n)
	}
}

func TestNonPositiveIDIsMissing(t *testing.T) {
	mem := kv.NewMemory()
	s := symbols.NewStore(mem, time.Hour)
	ctx := context.Background()

	if err := mem.HSet(ctx, "symbols:u1:demo:42", map[string]string{
		"BROKEN": "0",
		"JUNK":   "not-a-number",
	}); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	for _, name := range []string{"BROKEN", "JUNK"} {
		if _, ok, err := s.GetSymbolID(ctx, "u1", "demo", 42, name); ok || err != nil {
			t.Errorf("GetSymbolID(%s) ok=%v err=%v, want false nil", name, ok, err)
		}
	}
}

func TestSearch(t *testing.T) {
	s, _ := seeded(t)
	ctx := context.Background()

	got, err := s.Search(ctx, "u1", "demo", 42, "eur", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	names := make([]string, 0, len(got))
	for _, e := range got {
		names = append(names, e.Symbol)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "EURGBP" || names[1] != "EURUSD" {
		t.Errorf("Search(eur) = %v, want [EURGBP EURUSD]", names)
	}
}

func TestSearchEmptyNeedleHonorsLimit(t *testing.T) {
	s, _ := seeded(t)

	got, err := s.Search(context.Background(), "u1", "demo", 42, "", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Search(\"\", 2) returned %d entries, want 2", len(got))
	}
}

func TestSearchNoMatch(t *testing.T) {
	s, _ := seeded(t)

	got, err := s.Search(context.Background(), "u1", "demo", 42, "btc", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Search(btc) = %v, want empty", got)
	}
}

// brokenScan simulates a backend whose pattern scan silently returns
// nothing, forcing the full-read fallback.
type brokenScan struct {
	*kv.Memory
}

func (b brokenScan) HScan(ctx context.Context, key string, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return nil, 0, nil
}

func TestSearchFallsBackToFullRead(t *testing.T) {
	mem := kv.NewMemory()
	s := symbols.NewStore(brokenScan{mem}, time.Hour)
	ctx := context.Background()

	if err := s.ReplaceAll(ctx, "u1", "demo", 42, catalog); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	got, err := s.Search(ctx, "u1", "demo", 42, "usd", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("fallback Search(usd) returned %d entries, want 3", len(got))
	}
}

func TestCatalogsAreIsolatedPerAccount(t *testing.T) {
	s, _ := seeded(t)
	ctx := context.Background()

	if _, ok, _ := s.GetSymbolID(ctx, "u1", "demo", 99, "EURUSD"); ok {
		t.Error("account 99 sees account 42's catalog")
	}
	if _, ok, _ := s.GetSymbolID(ctx, "u1", "live", 42, "EURUSD"); ok {
		t.Error("live env sees the demo catalog")
	}
}
