package escrowd

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"marketescrow/native/escrow"
	"marketescrow/native/escrow/simulated"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t        *testing.T
	clock    *testClock
	ledger   *simulated.Ledger
	store    *escrow.MemoryStore
	engine   *escrow.Engine
	buyer    *escrow.KeySigner
	seller   *escrow.KeySigner
	operator *escrow.KeySigner
}

func newSigner(t *testing.T) *escrow.KeySigner {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return escrow.NewKeySigner(key)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		clock:    &testClock{now: time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)},
		store:    escrow.NewMemoryStore(),
		buyer:    newSigner(t),
		seller:   newSigner(t),
		operator: newSigner(t),
	}
	f.ledger = simulated.New(
		simulated.WithClock(f.clock.Now),
		simulated.WithFeeBps(200),
		simulated.WithResolver(common.HexToAddress("0x00000000000000000000000000000000000000d1")),
	)
	f.ledger.Fund(f.buyer.Address(), big.NewInt(10_000))
	retry := escrow.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
	coord := escrow.NewCoordinator(
		escrow.WithPollInterval(time.Millisecond),
		escrow.WithConfirmTimeout(2*time.Second),
		escrow.WithRetryPolicy(retry),
		escrow.WithCoordinatorClock(f.clock.Now),
	)
	engine, err := escrow.NewEngine(f.store,
		escrow.WithCoordinator(coord),
		escrow.WithFeeBps(200),
		escrow.WithClock(f.clock.Now),
		escrow.WithReadRetry(retry),
		escrow.WithEngineConfirmTimeout(2*time.Second),
	)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) create(orderID string) *escrow.Escrow {
	f.t.Helper()
	esc, err := f.engine.Create(context.Background(), escrow.Session{Ledger: f.ledger, Signer: f.buyer}, escrow.CreateRequest{
		OrderID:     orderID,
		Seller:      f.seller.Address(),
		Amount:      big.NewInt(100),
		ProductHash: common.Hash{0x01},
	})
	require.NoError(f.t, err)
	return esc
}

func (f *fixture) deliver(id escrow.ID) {
	f.t.Helper()
	_, err := f.engine.ConfirmDelivery(context.Background(), escrow.Session{Ledger: f.ledger, Signer: f.seller}, id, "UPS 1Z")
	require.NoError(f.t, err)
}
