// Package pool manages the lifecycle of protocol connectors. Connectors are
// keyed by (chat, role); the pool reuses healthy ones, evicts stale or
// over-cap ones, and runs background health and idle-cleanup loops.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/parley/connector"
	"github.com/m4xw311/parley/metrics"
)

// Key identifies one connection slot. There is at most one live record per
// key at any time.
type Key struct {
	ChatID   string
	RoleName string
}

// Factory builds a fresh, launched connector for a key.
type Factory func(ctx context.Context) (connector.Connector, error)

// Health scoring parameters.
const (
	healthInitial     = 1.0
	healthOnSuccess   = 0.1
	healthOnBadProbe  = 0.2
	healthyThreshold  = 0.5
	maxRecentErrors   = 3
	errorWindowLength = 5 * time.Minute
)

type record struct {
	id          string
	key         Key
	conn        connector.Connector
	createdAt   time.Time
	lastUsedAt  time.Time
	usageCount  int
	healthScore float64
	errorCount  int
	lastErrorAt time.Time
}

// healthy reports whether the record may serve another turn.
func (r *record) healthy(now time.Time) bool {
	if r.healthScore < healthyThreshold {
		return false
	}
	if r.errorCount >= maxRecentErrors && now.Sub(r.lastErrorAt) < errorWindowLength {
		return false
	}
	return true
}

// Options tunes the pool.
type Options struct {
	PerRoleCap      int
	GlobalCap       int
	IdleTimeout     time.Duration
	HealthInterval  time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Pool is the shared connection pool. Safe for concurrent use; the
// background loops run alongside scheduler turns.
type Pool struct {
	mu      sync.Mutex
	records map[Key]*record
	opts    Options
	logger  *slog.Logger
	m       *metrics.Metrics
	nowFunc func() time.Time
	stop    chan struct{}
	started bool
}

// New creates a pool. Zero option fields get defaults.
func New(opts Options) *Pool {
	if opts.PerRoleCap <= 0 {
		opts.PerRoleCap = 4
	}
	if opts.GlobalCap <= 0 {
		opts.GlobalCap = 16
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Minute
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 60 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		records: make(map[Key]*record),
		opts:    opts,
		logger:  opts.Logger,
		m:       opts.Metrics,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (p *Pool) SetNowFunc(f func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nowFunc = f
}

// Get returns a live, healthy connector for the key, constructing one via
// the factory when none exists. Stale or unhealthy records are evicted
// first, and per-role and global caps are enforced by evicting the
// least-recently-used record before a new one is admitted.
func (p *Pool) Get(ctx context.Context, key Key, factory Factory) (connector.Connector, error) {
	p.mu.Lock()
	now := p.nowFunc()
	if rec, ok := p.records[key]; ok {
		if rec.conn.Alive() && rec.healthy(now) {
			rec.lastUsedAt = now
			rec.usageCount++
			conn := rec.conn
			p.mu.Unlock()
			return conn, nil
		}
		reason := metrics.EvictUnhealthy
		if !rec.conn.Alive() {
			reason = metrics.EvictDead
		}
		p.evictLocked(key, reason)
	}
	p.enforceCapsLocked(key.RoleName)
	p.mu.Unlock()

	// The factory may spawn a subprocess; keep the pool unlocked while it
	// runs. Only one scheduler iteration is ever active per key, so no
	// competing insert can happen for the same key.
	conn, err := factory(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	now = p.nowFunc()
	// A Get for another chat of the same role may have filled the slot
	// while the factory ran; make room again before inserting.
	p.enforceCapsLocked(key.RoleName)
	p.records[key] = &record{
		id:          uuid.NewString(),
		key:         key,
		conn:        conn,
		createdAt:   now,
		lastUsedAt:  now,
		usageCount:  1,
		healthScore: healthInitial,
	}
	p.m.SetLiveConnections(len(p.records))
	p.mu.Unlock()

	p.logger.Debug("pool: connection created", "chat", key.ChatID, "role", key.RoleName)
	return conn, nil
}

// ReportSuccess credits a record after a successful turn.
func (p *Pool) ReportSuccess(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[key]
	if !ok {
		return
	}
	rec.healthScore += healthOnSuccess
	if rec.healthScore > 1.0 {
		rec.healthScore = 1.0
	}
	rec.lastUsedAt = p.nowFunc()
}

// Discard removes a record after an operational failure. The connection is
// never reused; the next Get for the key constructs a fresh one.
func (p *Pool) Discard(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[key]; !ok {
		return
	}
	p.evictLocked(key, metrics.EvictDiscard)
}

// Reset evicts every record belonging to a chat.
func (p *Pool) Reset(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.records {
		if key.ChatID == chatID {
			p.evictLocked(key, metrics.EvictDiscard)
		}
	}
}

// Start launches the health-check and idle-cleanup loops. They run until
// the context is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.loop(ctx, p.opts.HealthInterval, p.healthCheck)
	go p.loop(ctx, p.opts.CleanupInterval, p.cleanupIdle)
}

func (p *Pool) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop halts the background loops and shuts down every connector.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	for key := range p.records {
		p.evictLocked(key, metrics.EvictShutdown)
	}
}

// healthCheck probes every record and evicts dead or unhealthy ones.
func (p *Pool) healthCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFunc()
	for key, rec := range p.records {
		if !rec.conn.Alive() {
			p.evictLocked(key, metrics.EvictDead)
			continue
		}
		if !rec.conn.CheckAvailability() {
			rec.healthScore -= healthOnBadProbe
			rec.errorCount++
			rec.lastErrorAt = now
			p.logger.Warn("pool: health probe failed",
				"chat", key.ChatID, "role", key.RoleName, "score", rec.healthScore)
		}
		if !rec.healthy(now) {
			p.evictLocked(key, metrics.EvictUnhealthy)
		}
	}
}

// cleanupIdle evicts records unused for longer than the idle window.
func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFunc()
	for key, rec := range p.records {
		if now.Sub(rec.lastUsedAt) > p.opts.IdleTimeout {
			p.evictLocked(key, metrics.EvictIdle)
		}
	}
}

// enforceCapsLocked makes room for one new record for the given role.
func (p *Pool) enforceCapsLocked(roleName string) {
	for p.countRoleLocked(roleName) >= p.opts.PerRoleCap {
		if !p.evictLRULocked(roleName) {
			break
		}
	}
	for len(p.records) >= p.opts.GlobalCap {
		if !p.evictLRULocked("") {
			break
		}
	}
}

func (p *Pool) countRoleLocked(roleName string) int {
	n := 0
	for key := range p.records {
		if key.RoleName == roleName {
			n++
		}
	}
	return n
}

// evictLRULocked evicts the least-recently-used record, optionally
// restricted to one role. Returns false when nothing matched.
func (p *Pool) evictLRULocked(roleName string) bool {
	var oldest *record
	for _, rec := range p.records {
		if roleName != "" && rec.key.RoleName != roleName {
			continue
		}
		if oldest == nil || rec.lastUsedAt.Before(oldest.lastUsedAt) {
			oldest = rec
		}
	}
	if oldest == nil {
		return false
	}
	p.evictLocked(oldest.key, metrics.EvictCap)
	return true
}

func (p *Pool) evictLocked(key Key, reason string) {
	rec, ok := p.records[key]
	if !ok {
		return
	}
	delete(p.records, key)
	p.m.SetLiveConnections(len(p.records))
	p.m.ObserveEviction(reason)
	p.logger.Debug("pool: connection evicted",
		"chat", key.ChatID, "role", key.RoleName, "reason", reason)
	// Shutdown can block for the termination grace period; do it off the
	// pool lock.
	go rec.conn.Shutdown()
}

// RecordStatus is one entry of a pool snapshot.
type RecordStatus struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	RoleName    string    `json:"role_name"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
	UsageCount  int       `json:"usage_count"`
	HealthScore float64   `json:"health_score"`
	ErrorCount  int       `json:"error_count"`
	Alive       bool      `json:"alive"`
}

// Snapshot returns the current pool contents for status reporting.
func (p *Pool) Snapshot() []RecordStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RecordStatus, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, RecordStatus{
			ID:          rec.id,
			ChatID:      rec.key.ChatID,
			RoleName:    rec.key.RoleName,
			CreatedAt:   rec.createdAt,
			LastUsedAt:  rec.lastUsedAt,
			UsageCount:  rec.usageCount,
			HealthScore: rec.healthScore,
			ErrorCount:  rec.errorCount,
			Alive:       rec.conn.Alive(),
		})
	}
	return out
}

// Size returns the number of live records.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}
