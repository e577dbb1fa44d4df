package escrow

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StagingData is the backend's pre-escrow view of an order.
type StagingData struct {
	OrderID      string
	Buyer        common.Address
	Seller       common.Address
	Amount       *big.Int
	ProductHash  common.Hash
	DeliveryDays uint32
	// EscrowID references the latest escrow known for the order, zero when
	// none has been confirmed yet.
	EscrowID ID
}

// RecordStore is the backend cache of escrow state. It is never
// authoritative: the engine re-syncs from the ledger whenever the cache
// cannot be trusted. Implementations wrap transport failures in
// ErrStoreUnavailable and return ErrNotFound for missing entries.
type RecordStore interface {
	StagingData(ctx context.Context, orderID string) (*StagingData, error)
	GetEscrow(ctx context.Context, id ID) (*Escrow, error)
	PutEscrowState(ctx context.Context, esc *Escrow) error
	UserEscrows(ctx context.Context, addr common.Address, role Role) ([]*Escrow, error)
}

// Supersedes reports whether incoming may overwrite existing. Ledger order is
// total within an escrow and every edge increases the status rank, so the
// higher rank is the later ledger-confirmed state.
func Supersedes(existing, incoming *Escrow) bool {
	if existing == nil {
		return true
	}
	if incoming == nil {
		return false
	}
	return incoming.Status.Rank() >= existing.Status.Rank()
}

// MemoryStore is a process-local RecordStore.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[ID]*Escrow
	staging map[string]*StagingData
	cursor  uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[ID]*Escrow),
		staging: make(map[string]*StagingData),
	}
}

// PutStagingData records backend order data ahead of escrow creation.
func (s *MemoryStore) PutStagingData(data StagingData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := data
	clone.Amount = cloneBigInt(data.Amount)
	s.staging[strings.TrimSpace(data.OrderID)] = &clone
}

// StagingData implements RecordStore.
func (s *MemoryStore) StagingData(_ context.Context, orderID string) (*StagingData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.staging[strings.TrimSpace(orderID)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *data
	clone.Amount = cloneBigInt(data.Amount)
	return &clone, nil
}

// GetEscrow implements RecordStore.
func (s *MemoryStore) GetEscrow(_ context.Context, id ID) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	esc, ok := s.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return esc.Clone(), nil
}

// PutEscrowState implements RecordStore. Writes that would regress the
// stored state are ignored.
func (s *MemoryStore) PutEscrowState(_ context.Context, esc *Escrow) error {
	if esc == nil || esc.ID == 0 {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !Supersedes(s.escrows[esc.ID], esc) {
		return nil
	}
	s.escrows[esc.ID] = esc.Clone()
	data, ok := s.staging[esc.OrderID]
	if !ok {
		data = &StagingData{
			OrderID:     esc.OrderID,
			Buyer:       esc.Buyer,
			Seller:      esc.Seller,
			Amount:      cloneBigInt(esc.Amount),
			ProductHash: esc.ProductHash,
		}
		s.staging[esc.OrderID] = data
	}
	if esc.ID >= data.EscrowID {
		data.EscrowID = esc.ID
	}
	return nil
}

// UserEscrows implements RecordStore.
func (s *MemoryStore) UserEscrows(_ context.Context, addr common.Address, role Role) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Escrow
	for _, esc := range s.escrows {
		if esc.RolesOf(addr)&role != 0 {
			out = append(out, esc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AutoReleaseCandidates lists escrows whose auto-release deadline passed
// before cutoff, by ascending ID.
func (s *MemoryStore) AutoReleaseCandidates(_ context.Context, cutoff time.Time, limit int) ([]ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ID
	for id, esc := range s.escrows {
		switch {
		case esc.Status == StatusPending && esc.DeliveryDeadline.Before(cutoff),
			esc.Status == StatusDelivered && esc.DisputeDeadline.Before(cutoff):
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastEventSequence implements CursorStore.
func (s *MemoryStore) LastEventSequence(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

// UpdateEventSequence implements CursorStore.
func (s *MemoryStore) UpdateEventSequence(_ context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursor {
		s.cursor = seq
	}
	return nil
}
