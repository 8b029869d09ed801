package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"coffer/core/events"
)

var (
	ErrNoStore        = errors.New("oracle cache: storage not configured")
	ErrFeedUnknown    = errors.New("oracle cache: no feed registered for symbol")
	ErrPriceUnknown   = errors.New("oracle cache: no cached price for symbol")
	ErrPriceStale     = errors.New("oracle cache: cached price is stale")
	ErrFeedStale      = errors.New("oracle cache: feed observation exceeds its staleness bound")
	ErrFeedZeroTime   = errors.New("oracle cache: feed observation has no timestamp")
	ErrSymbolMismatch = errors.New("oracle cache: feed returned a different symbol")
)

// DefaultFreshnessSeconds bounds how old a cached price may be before reads
// fail closed, unless a per-feed override applies.
const DefaultFreshnessSeconds int64 = 60

var cachePricePrefix = []byte("oracle/price/")

// Storage is the narrow persistence surface the cache needs.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// PriceRecord is a cached, canonicalized price: the value is 18-decimal fixed
// point and UpdatedAt is the cache's own clock at refresh time, not the feed's.
type PriceRecord struct {
	Symbol    string
	Value     *big.Int
	Source    string
	UpdatedAt int64
}

// Clone returns a deep copy of the record.
func (r *PriceRecord) Clone() *PriceRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Value != nil {
		clone.Value = new(big.Int).Set(r.Value)
	}
	return &clone
}

type storedPriceRecord struct {
	Value     *big.Int
	Source    string
	UpdatedAt uint64
}

type feedEntry struct {
	feed Feed
	// maxObservationAge rejects observations the feed itself reports as old.
	// Zero disables the check.
	maxObservationAge time.Duration
	// freshnessSeconds overrides the cache-wide read window when positive.
	freshnessSeconds int64
}

// Cache persists canonicalized prices per symbol and serves reads with a
// strict freshness window: a price exactly window seconds old is already
// stale.
type Cache struct {
	mu               sync.RWMutex
	store            Storage
	feeds            map[string]feedEntry
	freshnessSeconds int64
	now              func() time.Time
	emitter          events.Emitter
}

// NewCache constructs a cache with the default freshness window and a no-op
// emitter. Callers wire storage, feeds, and the clock through the setters.
func NewCache() *Cache {
	return &Cache{
		feeds:            make(map[string]feedEntry),
		freshnessSeconds: DefaultFreshnessSeconds,
		now:              time.Now,
		emitter:          events.NoopEmitter{},
	}
}

// SetStore configures the persistence backend.
func (c *Cache) SetStore(store Storage) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
}

// SetClock overrides the time source. A nil clock restores time.Now.
func (c *Cache) SetClock(now func() time.Time) {
	if c == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetEmitter wires an event emitter. A nil emitter silences events.
func (c *Cache) SetEmitter(emitter events.Emitter) {
	if c == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitter = emitter
}

// SetFreshnessWindow sets the cache-wide read window in seconds. Values below
// one fall back to the default.
func (c *Cache) SetFreshnessWindow(seconds int64) {
	if c == nil {
		return
	}
	if seconds <= 0 {
		seconds = DefaultFreshnessSeconds
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freshnessSeconds = seconds
}

// RegisterFeed binds a feed to its symbol. maxObservationAge rejects samples
// whose own timestamp is older than the bound at refresh time (zero disables);
// freshnessSeconds, when positive, overrides the cache-wide read window for
// this symbol.
func (c *Cache) RegisterFeed(feed Feed, maxObservationAge time.Duration, freshnessSeconds int64) error {
	if c == nil {
		return fmt.Errorf("oracle cache: not initialised")
	}
	if feed == nil {
		return fmt.Errorf("oracle cache: nil feed")
	}
	symbol := normaliseSymbol(feed.Symbol())
	if symbol == "" {
		return fmt.Errorf("oracle cache: feed symbol required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeds[symbol] = feedEntry{feed: feed, maxObservationAge: maxObservationAge, freshnessSeconds: freshnessSeconds}
	return nil
}

// Feed returns the registered feed for symbol, if any.
func (c *Cache) Feed(symbol string) (Feed, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.feeds[normaliseSymbol(symbol)]
	if !ok {
		return nil, false
	}
	return entry.feed, true
}

// Symbols lists the registered feed symbols.
func (c *Cache) Symbols() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	symbols := make([]string, 0, len(c.feeds))
	for symbol := range c.feeds {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// Refresh pulls the feed for symbol, validates the observation, normalizes it
// to canonical decimals, and stores it stamped with the cache clock.
func (c *Cache) Refresh(ctx context.Context, symbol string) (*PriceRecord, error) {
	if c == nil {
		return nil, ErrNoStore
	}
	c.mu.RLock()
	store := c.store
	entry, ok := c.feeds[normaliseSymbol(symbol)]
	nowFn := c.now
	emitter := c.emitter
	c.mu.RUnlock()
	if store == nil {
		return nil, ErrNoStore
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFeedUnknown, normaliseSymbol(symbol))
	}
	obs, err := entry.feed.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("oracle cache: fetch %s: %w", normaliseSymbol(symbol), err)
	}
	if got := normaliseSymbol(obs.Symbol); got != "" && got != normaliseSymbol(symbol) {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrSymbolMismatch, normaliseSymbol(symbol), got)
	}
	if obs.Value == nil || obs.Value.Sign() < 0 {
		return nil, fmt.Errorf("oracle cache: feed %s returned invalid value", normaliseSymbol(symbol))
	}
	now := nowFn()
	if obs.Timestamp.IsZero() {
		return nil, ErrFeedZeroTime
	}
	if entry.maxObservationAge > 0 && obs.Timestamp.Before(now.Add(-entry.maxObservationAge)) {
		return nil, fmt.Errorf("%w: %s observed %s", ErrFeedStale, normaliseSymbol(symbol), obs.Timestamp.UTC().Format(time.RFC3339))
	}
	canonical, err := Normalize(obs.Value, obs.Decimals)
	if err != nil {
		return nil, fmt.Errorf("oracle cache: normalize %s: %w", normaliseSymbol(symbol), err)
	}
	record := &PriceRecord{
		Symbol:    normaliseSymbol(symbol),
		Value:     canonical,
		Source:    obs.Source,
		UpdatedAt: now.Unix(),
	}
	stored := storedPriceRecord{
		Value:     new(big.Int).Set(canonical),
		Source:    record.Source,
		UpdatedAt: uint64(record.UpdatedAt),
	}
	if err := store.KVPut(cachePriceKey(record.Symbol), &stored); err != nil {
		return nil, err
	}
	emitter.Emit(events.PriceRefreshed{
		Symbol:    record.Symbol,
		Value:     new(big.Int).Set(canonical),
		Source:    record.Source,
		UpdatedAt: record.UpdatedAt,
	})
	return record, nil
}

// Read returns the cached record for symbol iff it is still fresh under the
// effective window: now − updatedAt must be strictly below the window.
func (c *Cache) Read(symbol string) (*PriceRecord, error) {
	if c == nil {
		return nil, ErrNoStore
	}
	c.mu.RLock()
	store := c.store
	entry, hasFeed := c.feeds[normaliseSymbol(symbol)]
	window := c.freshnessSeconds
	nowFn := c.now
	c.mu.RUnlock()
	if store == nil {
		return nil, ErrNoStore
	}
	if hasFeed && entry.freshnessSeconds > 0 {
		window = entry.freshnessSeconds
	}
	normalized := normaliseSymbol(symbol)
	var stored storedPriceRecord
	ok, err := store.KVGet(cachePriceKey(normalized), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnknown, normalized)
	}
	record := &PriceRecord{
		Symbol:    normalized,
		Value:     big.NewInt(0),
		Source:    stored.Source,
		UpdatedAt: int64(stored.UpdatedAt),
	}
	if stored.Value != nil {
		record.Value = new(big.Int).Set(stored.Value)
	}
	age := nowFn().Unix() - record.UpdatedAt
	if age >= window {
		return nil, fmt.Errorf("%w: %s is %ds old (window %ds)", ErrPriceStale, normalized, age, window)
	}
	return record, nil
}

// CanonicalPrice returns just the fresh canonical value for symbol. It is the
// read path the vault engine consumes.
func (c *Cache) CanonicalPrice(symbol string) (*big.Int, error) {
	record, err := c.Read(symbol)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(record.Value), nil
}

func cachePriceKey(symbol string) []byte {
	key := make([]byte, len(cachePricePrefix)+len(symbol))
	copy(key, cachePricePrefix)
	copy(key[len(cachePricePrefix):], symbol)
	return key
}
