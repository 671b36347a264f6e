package replay

import (
	"context"
	"sync"
	"time"

	"beacon/internal/domain"
)

const DefaultTTL = 5 * time.Minute

// MemoryLedger keeps accepted nonces in process memory. State is lost on
// restart; run a single instance or switch to RedisLedger when scaling out.
type MemoryLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

type MemoryLedgerConfig struct {
	TTL time.Duration
	Now func() time.Time
}

var _ domain.ReplayLedger = (*MemoryLedger)(nil)

func NewMemoryLedger(cfg MemoryLedgerConfig) *MemoryLedger {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryLedger{
		ttl:     cfg.TTL,
		now:     cfg.Now,
		entries: make(map[string]time.Time),
	}
}

func (l *MemoryLedger) TTL() time.Duration {
	return l.ttl
}

func (l *MemoryLedger) Seen(ctx context.Context, nonce string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.liveLocked(nonce, now), nil
}

func (l *MemoryLedger) Record(ctx context.Context, nonce string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Checked under the lock so a cancelled request records nothing.
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if l.liveLocked(nonce, now) {
		return false, nil
	}
	l.entries[nonce] = now
	l.sweepLocked(now)
	return true, nil
}

func (l *MemoryLedger) Sweep(_ context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now), nil
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run sweeps every ttl/2 until ctx is done, so no entry outlives 2×ttl
// even when traffic stops.
func (l *MemoryLedger) Run(ctx context.Context, onSweep func(removed, remaining int)) {
	interval := l.ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, _ := l.Sweep(ctx, l.now())
			if onSweep != nil {
				onSweep(removed, l.Len())
			}
		}
	}
}

func (l *MemoryLedger) liveLocked(nonce string, now time.Time) bool {
	firstSeen, ok := l.entries[nonce]
	return ok && !l.expired(firstSeen, now)
}

func (l *MemoryLedger) sweepLocked(now time.Time) int {
	removed := 0
	for nonce, firstSeen := range l.entries {
		if l.expired(firstSeen, now) {
			delete(l.entries, nonce)
			removed++
		}
	}
	return removed
}

func (l *MemoryLedger) expired(firstSeen, now time.Time) bool {
	return now.Sub(firstSeen) > l.ttl
}
