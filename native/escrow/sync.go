package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketescrow/observability"
)

// CursorStore persists the sequence of the last ledger event applied.
type CursorStore interface {
	LastEventSequence(ctx context.Context) (uint64, error)
	UpdateEventSequence(ctx context.Context, seq uint64) error
}

// Syncer periodically pulls ledger events and re-syncs the escrows they
// touch into the record store, keeping the cache converged with ledger
// order.
type Syncer struct {
	engine       *Engine
	sess         Session
	cursor       CursorStore
	pollInterval time.Duration
	batchSize    int
	onEvent      func(LedgerEvent)
	logger       *slog.Logger
	metrics      *observability.EscrowMetrics

	mu    sync.Mutex
	after uint64
	ready bool

	subMu  sync.Mutex
	subs   []chan LedgerEvent
	closed bool
}

// SyncerOption customises the syncer.
type SyncerOption func(*Syncer)

// WithSyncInterval sets the polling cadence.
func WithSyncInterval(interval time.Duration) SyncerOption {
	return func(s *Syncer) { s.pollInterval = interval }
}

// WithSyncBatch sets the maximum number of events fetched per poll.
func WithSyncBatch(size int) SyncerOption {
	return func(s *Syncer) { s.batchSize = size }
}

// WithEventHook registers a callback invoked for every applied ledger event.
func WithEventHook(fn func(LedgerEvent)) SyncerOption {
	return func(s *Syncer) { s.onEvent = fn }
}

// WithSyncLogger sets the structured logger.
func WithSyncLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

// NewSyncer constructs a syncer reading through sess. The session does not
// need a signer.
func NewSyncer(engine *Engine, sess Session, cursor CursorStore, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		engine:       engine,
		sess:         sess,
		cursor:       cursor,
		pollInterval: 5 * time.Second,
		batchSize:    100,
		logger:       slog.Default(),
		metrics:      observability.Escrow(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Run polls until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	defer s.closeSubscribers()
	if s.engine == nil || s.sess.Ledger == nil {
		return
	}
	interval := s.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("escrow sync poll failed", slog.Any("error", err))
			}
		}
	}
}

// Poll applies the next batch of ledger events and returns how many were
// applied. The cursor only advances past events whose escrow re-synced.
func (s *Syncer) Poll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadCursor(ctx); err != nil {
		return 0, err
	}
	batch := s.batchSize
	if batch <= 0 {
		batch = 100
	}
	events, err := s.sess.Ledger.EventsSince(ctx, s.after, batch)
	if err != nil {
		return 0, fmt.Errorf("escrow sync: fetch events: %w", err)
	}
	applied := 0
	synced := make(map[ID]struct{})
	last := s.after
	for _, evt := range events {
		if evt.Sequence <= last {
			continue
		}
		if _, done := synced[evt.EscrowID]; !done && evt.EscrowID != 0 {
			if _, err := s.engine.Resync(ctx, s.sess, evt.EscrowID); err != nil {
				s.commitCursor(ctx, last)
				return applied, fmt.Errorf("escrow sync: resync %d: %w", evt.EscrowID, err)
			}
			synced[evt.EscrowID] = struct{}{}
		}
		last = evt.Sequence
		applied++
		s.metrics.RecordLedgerEvent(evt.Type, evt.Sequence)
		if s.onEvent != nil {
			s.onEvent(evt)
		}
		s.publish(ctx, evt)
	}
	s.commitCursor(ctx, last)
	return applied, nil
}

// Subscribe returns a stream of applied events in sequence order. Delivery
// blocks the syncer once buffer events are queued. The channel is closed
// when Run returns.
func (s *Syncer) Subscribe(buffer int) <-chan LedgerEvent {
	ch := make(chan LedgerEvent, buffer)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Syncer) publish(ctx context.Context, evt LedgerEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// Cursor returns the sequence of the last applied event.
func (s *Syncer) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.after
}

func (s *Syncer) loadCursor(ctx context.Context) error {
	if s.ready {
		return nil
	}
	if s.cursor != nil {
		seq, err := s.cursor.LastEventSequence(ctx)
		if err != nil {
			return fmt.Errorf("escrow sync: load cursor: %w", err)
		}
		s.after = seq
	}
	s.ready = true
	return nil
}

func (s *Syncer) commitCursor(ctx context.Context, seq uint64) {
	if seq <= s.after {
		return
	}
	s.after = seq
	if s.cursor == nil {
		return
	}
	if err := s.cursor.UpdateEventSequence(ctx, seq); err != nil {
		s.logger.Warn("escrow sync cursor not persisted",
			slog.Uint64("sequence", seq),
			slog.Any("error", err))
	}
}
