// Package evmledger implements escrow.Ledger against a deployed escrow
// contract over JSON-RPC.
package evmledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"marketescrow/native/escrow"
	"marketescrow/native/escrow/contract"
)

// Client is the subset of *ethclient.Client used by the ledger.
type Client interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

const defaultBlockRange = 5_000

// Ledger talks to the escrow contract through a Client.
type Ledger struct {
	client     Client
	chainID    *big.Int
	address    common.Address
	startBlock uint64
	blockRange uint64

	mu     sync.Mutex
	nonces map[common.Address]uint64
}

// Option customises the ledger.
type Option func(*Ledger)

// WithStartBlock sets the contract deployment block; event scans never look
// further back.
func WithStartBlock(block uint64) Option {
	return func(l *Ledger) { l.startBlock = block }
}

// WithBlockRange bounds the number of blocks covered by one log query.
func WithBlockRange(blocks uint64) Option {
	return func(l *Ledger) {
		if blocks > 0 {
			l.blockRange = blocks
		}
	}
}

// Dial connects to the node at rpcURL.
func Dial(ctx context.Context, rpcURL string, chainID int64, address string, opts ...Option) (*Ledger, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", escrow.ErrLedgerUnavailable, rpcURL, err)
	}
	ledger, err := New(client, big.NewInt(chainID), address, opts...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return ledger, client, nil
}

// New builds a ledger bound to the contract at address.
func New(client Client, chainID *big.Int, address string, opts ...Option) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("evmledger: client required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("evmledger: chain id must be positive")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("evmledger: invalid contract address %q", address)
	}
	l := &Ledger{
		client:     client,
		chainID:    new(big.Int).Set(chainID),
		address:    common.HexToAddress(address),
		blockRange: defaultBlockRange,
		nonces:     make(map[common.Address]uint64),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Address returns the contract address.
func (l *Ledger) Address() common.Address { return l.address }

// EstimateGas implements escrow.Ledger.
func (l *Ledger) EstimateGas(ctx context.Context, from common.Address, call escrow.Call) (uint64, error) {
	data, err := contract.PackCall(call)
	if err != nil {
		return 0, err
	}
	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &l.address,
		Value: valueOf(call),
		Data:  data,
	})
	if err != nil {
		return 0, classify(err)
	}
	return gas, nil
}

// Send implements escrow.Ledger.
func (l *Ledger) Send(ctx context.Context, signer escrow.Signer, call escrow.Call, gasLimit uint64) (common.Hash, error) {
	if signer == nil {
		return common.Hash{}, escrow.ErrSigningUnavailable
	}
	data, err := contract.PackCall(call)
	if err != nil {
		return common.Hash{}, err
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, classify(err)
	}

	from := signer.Address()
	l.mu.Lock()
	defer l.mu.Unlock()
	nonce, err := l.nextNonce(ctx, from)
	if err != nil {
		return common.Hash{}, err
	}
	unsigned := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &l.address,
		Value:    valueOf(call),
		Data:     data,
	})
	signed, err := signer.SignTx(unsigned, l.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", escrow.ErrSigningUnavailable, err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			// Rejected by the node: the nonce was not consumed.
			delete(l.nonces, from)
			return common.Hash{}, classify(err)
		}
		// The transaction may have reached the mempool.
		l.nonces[from] = nonce + 1
		return common.Hash{}, fmt.Errorf("%w: send %s: %v", escrow.ErrOutcomeUnknown, signed.Hash().Hex(), err)
	}
	l.nonces[from] = nonce + 1
	return signed.Hash(), nil
}

func (l *Ledger) nextNonce(ctx context.Context, from common.Address) (uint64, error) {
	pending, err := l.client.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, classify(err)
	}
	if local, ok := l.nonces[from]; ok && local > pending {
		return local, nil
	}
	return pending, nil
}

// Receipt implements escrow.Ledger.
func (l *Ledger) Receipt(ctx context.Context, ref common.Hash) (*escrow.Receipt, error) {
	receipt, err := l.client.TransactionReceipt(ctx, ref)
	if errors.Is(err, ethereum.NotFound) {
		return nil, escrow.ErrReceiptPending
	}
	if err != nil {
		return nil, classify(err)
	}
	out := &escrow.Receipt{
		TxRef:   ref,
		Status:  escrow.ReceiptSuccessful,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		out.Status = escrow.ReceiptReverted
		out.RevertReason = "execution reverted"
		return out, nil
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != l.address {
			continue
		}
		evt, ok, err := contract.DecodeLog(*log)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Events = append(out.Events, evt)
		}
	}
	return out, nil
}

// GetEscrow implements escrow.Ledger.
func (l *Ledger) GetEscrow(ctx context.Context, id escrow.ID) (*escrow.Escrow, error) {
	if id == 0 {
		return nil, escrow.ErrNotFound
	}
	data, err := contract.PackGetEscrow(id)
	if err != nil {
		return nil, err
	}
	out, err := l.call(ctx, data)
	if err != nil {
		return nil, err
	}
	return contract.UnpackEscrow(id, out)
}

// CanAutoRelease implements escrow.Ledger.
func (l *Ledger) CanAutoRelease(ctx context.Context, id escrow.ID) (bool, error) {
	data, err := contract.PackCanAutoRelease(id)
	if err != nil {
		return false, err
	}
	out, err := l.call(ctx, data)
	if err != nil {
		return false, err
	}
	return contract.UnpackCanAutoRelease(out)
}

// EscrowIDForOrder implements escrow.Ledger.
func (l *Ledger) EscrowIDForOrder(ctx context.Context, orderID string) (escrow.ID, error) {
	data, err := contract.PackEscrowIDForOrder(strings.TrimSpace(orderID))
	if err != nil {
		return 0, err
	}
	out, err := l.call(ctx, data)
	if err != nil {
		return 0, err
	}
	return contract.UnpackEscrowIDForOrder(out)
}

// EventsSince implements escrow.Ledger. Logs are scanned in bounded block
// windows starting at the block of the cursor until limit events are found
// or the chain head is reached.
func (l *Ledger) EventsSince(ctx context.Context, after uint64, limit int) ([]escrow.LedgerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return nil, classify(err)
	}
	from := contract.BlockOfSequence(after)
	if from < l.startBlock {
		from = l.startBlock
	}
	var out []escrow.LedgerEvent
	for from <= head && len(out) < limit {
		to := from + l.blockRange - 1
		if to > head {
			to = head
		}
		logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{l.address},
			Topics:    [][]common.Hash{contract.EventTopics()},
		})
		if err != nil {
			return nil, classify(err)
		}
		for _, log := range logs {
			if log.Removed {
				continue
			}
			evt, ok, err := contract.DecodeLog(log)
			if err != nil {
				return nil, err
			}
			if ok && evt.Sequence > after {
				out = append(out, evt)
			}
		}
		from = to + 1
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) call(ctx context.Context, data []byte) ([]byte, error) {
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.address, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func valueOf(call escrow.Call) *big.Int {
	if call.Method == escrow.MethodCreateEscrow && call.Value != nil {
		return new(big.Int).Set(call.Value)
	}
	return new(big.Int)
}

// classify maps node errors onto escrow errors. Errors carrying a JSON-RPC
// code were answered by the node; anything else is a transport failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") {
		return fmt.Errorf("%w: %v", escrow.ErrInsufficientFunds, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	return fmt.Errorf("%w: %v", escrow.ErrLedgerUnavailable, err)
}
