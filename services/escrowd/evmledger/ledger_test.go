package evmledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"marketescrow/native/escrow"
	"marketescrow/native/escrow/contract"
)

const contractHex = "0x00000000000000000000000000000000000e5c00"

type rpcError struct {
	code int
	msg  string
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

type fakeClient struct {
	estimate    uint64
	estimateErr error
	pending     uint64
	sendErr     error
	sent        []*gethtypes.Transaction
	receipts    map[common.Hash]*gethtypes.Receipt
	callOut     []byte
	callErr     error
	logs        []gethtypes.Log
	head        uint64
	queries     []ethereum.FilterQuery
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.pending, nil
}

func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(3), nil }

func (f *fakeClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return f.callOut, f.callErr
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.queries = append(f.queries, q)
	var out []gethtypes.Log
	for _, log := range f.logs {
		if log.BlockNumber >= q.FromBlock.Uint64() && log.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func newLedger(t *testing.T, client *fakeClient, opts ...Option) *Ledger {
	t.Helper()
	l, err := New(client, big.NewInt(31337), contractHex, opts...)
	require.NoError(t, err)
	return l
}

func newSigner(t *testing.T) *escrow.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return escrow.NewKeySigner(key)
}

func TestEstimateGasClassifiesErrors(t *testing.T) {
	client := &fakeClient{estimate: 60_000}
	l := newLedger(t, client)
	call := escrow.Call{Method: escrow.MethodConfirmReceipt, EscrowID: 1}

	gas, err := l.EstimateGas(context.Background(), common.Address{}, call)
	require.NoError(t, err)
	require.Equal(t, uint64(60_000), gas)

	client.estimateErr = rpcError{code: -32000, msg: "insufficient funds for gas * price + value"}
	_, err = l.EstimateGas(context.Background(), common.Address{}, call)
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)

	client.estimateErr = rpcError{code: 3, msg: "execution reverted"}
	_, err = l.EstimateGas(context.Background(), common.Address{}, call)
	require.Error(t, err)
	require.False(t, escrow.IsRetryable(err))

	client.estimateErr = errors.New("connection refused")
	_, err = l.EstimateGas(context.Background(), common.Address{}, call)
	require.ErrorIs(t, err, escrow.ErrLedgerUnavailable)
}

func TestSendSignsAndTracksNonces(t *testing.T) {
	client := &fakeClient{pending: 5}
	l := newLedger(t, client)
	signer := newSigner(t)
	call := escrow.Call{Method: escrow.MethodCreateEscrow, OrderID: "order-1", Seller: common.HexToAddress("0xc1"), Value: big.NewInt(1000), DeliveryDays: 7}

	first, err := l.Send(context.Background(), signer, call, 200_000)
	require.NoError(t, err)
	second, err := l.Send(context.Background(), signer, call, 200_000)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.Len(t, client.sent, 2)
	require.Equal(t, uint64(5), client.sent[0].Nonce())
	require.Equal(t, uint64(6), client.sent[1].Nonce())
	require.Equal(t, "1000", client.sent[0].Value().String())
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(31337)), client.sent[0])
	require.NoError(t, err)
	require.Equal(t, signer.Address(), sender)

	client.sendErr = errors.New("broken pipe")
	_, err = l.Send(context.Background(), signer, call, 200_000)
	require.ErrorIs(t, err, escrow.ErrOutcomeUnknown)

	_, err = l.Send(context.Background(), nil, call, 200_000)
	require.ErrorIs(t, err, escrow.ErrSigningUnavailable)
}

func TestReceiptDecodesContractLogs(t *testing.T) {
	client := &fakeClient{receipts: map[common.Hash]*gethtypes.Receipt{}}
	l := newLedger(t, client)
	ref := common.HexToHash("0x01")

	_, err := l.Receipt(context.Background(), ref)
	require.ErrorIs(t, err, escrow.ErrReceiptPending)

	created, err := contract.EncodeLog(l.Address(), escrow.LedgerEvent{
		Type: escrow.EventEscrowCreated, EscrowID: 4, OrderID: "order-4", Amount: big.NewInt(10),
	})
	require.NoError(t, err)
	foreign := created
	foreign.Address = common.HexToAddress("0xdead")
	client.receipts[ref] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		GasUsed:     150_000,
		BlockNumber: big.NewInt(12),
		Logs:        []*gethtypes.Log{&created, &foreign},
	}
	receipt, err := l.Receipt(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, escrow.ReceiptSuccessful, receipt.Status)
	require.Equal(t, uint64(12), receipt.BlockNumber)
	require.Len(t, receipt.Events, 1)
	require.Equal(t, escrow.ID(4), receipt.Events[0].EscrowID)

	client.receipts[ref] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(13)}
	receipt, err = l.Receipt(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, escrow.ReceiptReverted, receipt.Status)
}

func TestGetEscrowAndOrderLookup(t *testing.T) {
	client := &fakeClient{}
	l := newLedger(t, client)

	view, err := contract.PackEscrowView(&escrow.Escrow{
		OrderID:     "order-2",
		Buyer:       common.HexToAddress("0xb1"),
		Seller:      common.HexToAddress("0xc1"),
		Amount:      big.NewInt(77),
		PlatformFee: big.NewInt(1),
		Status:      escrow.StatusDelivered,
	})
	require.NoError(t, err)
	client.callOut = view
	esc, err := l.GetEscrow(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusDelivered, esc.Status)
	require.Equal(t, "77", esc.Amount.String())

	_, err = l.GetEscrow(context.Background(), 0)
	require.ErrorIs(t, err, escrow.ErrNotFound)

	client.callErr = errors.New("i/o timeout")
	_, err = l.EscrowIDForOrder(context.Background(), "order-2")
	require.ErrorIs(t, err, escrow.ErrLedgerUnavailable)
}

func TestEventsSinceScansWindows(t *testing.T) {
	client := &fakeClient{head: 30}
	l := newLedger(t, client, WithStartBlock(2), WithBlockRange(10))
	for i, block := range []uint64{3, 3, 17, 29} {
		log, err := contract.EncodeLog(l.Address(), escrow.LedgerEvent{
			Type: escrow.EventReceiptConfirmed, EscrowID: escrow.ID(i + 1), BlockNumber: block,
		})
		require.NoError(t, err)
		log.Index = uint(i)
		client.logs = append(client.logs, log)
	}

	events, err := l.EventsSince(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Len(t, client.queries, 3)
	require.Equal(t, uint64(2), client.queries[0].FromBlock.Uint64())

	events, err = l.EventsSince(context.Background(), events[1].Sequence, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, escrow.ID(3), events[0].EscrowID)
}
