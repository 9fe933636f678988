// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"custody-deposit-go/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Submission is one transfer passed to SubmitTransfer
type Submission struct {
	From common.Address
	Req  chain.TransferRequest
	Hash common.Hash
}

// Client is a scripted chain. Zero value is not usable; call New.
type Client struct {
	mu sync.Mutex

	name      string
	chainID   *big.Int
	head      uint64
	blocks    map[uint64]*chain.Block
	receipts  map[common.Hash]*types.Receipt
	logs      []types.Log
	balances  map[common.Address]*big.Int
	blockErrs map[uint64]error
	gasPrice  *big.Int

	SubmitErr  error
	Submitted  []Submission
	BlockCalls map[uint64]int
}

var _ chain.Client = (*Client)(nil)

func New(name string) *Client {
	return &Client{
		name:       name,
		chainID:    big.NewInt(1337),
		blocks:     map[uint64]*chain.Block{},
		receipts:   map[common.Hash]*types.Receipt{},
		balances:   map[common.Address]*big.Int{},
		blockErrs:  map[uint64]error{},
		gasPrice:   big.NewInt(1_000_000_000),
		BlockCalls: map[uint64]int{},
	}
}

func (c *Client) SetHead(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = n
}

func (c *Client) SetGasPrice(p *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = p
}

func (c *Client) SetBalance(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = v
}

// FailBlock makes GetBlock(n) return err until cleared with a nil err.
func (c *Client) FailBlock(n uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.blockErrs, n)
		return
	}
	c.blockErrs[n] = err
}

// AddBlock registers an empty block, creating it if needed.
func (c *Client) AddBlock(n uint64) *chain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block(n)
}

func (c *Client) block(n uint64) *chain.Block {
	b, ok := c.blocks[n]
	if !ok {
		b = &chain.Block{Number: n, Hash: crypto.Keccak256Hash([]byte(fmt.Sprintf("block-%d", n)))}
		c.blocks[n] = b
	}
	return b
}

// AddNativeTransfer adds a successful value transfer in block n and returns its hash.
func (c *Client) AddNativeTransfer(n uint64, from, to common.Address, value *big.Int) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.block(n)
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("native-%d-%d", n, len(b.Transactions))))
	recipient := to
	b.Transactions = append(b.Transactions, chain.Transaction{Hash: hash, From: from, To: &recipient, Value: value})
	c.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: new(big.Int).SetUint64(n)}
	return hash
}

// SetReceiptStatus overrides the status of a recorded receipt.
func (c *Client) SetReceiptStatus(hash common.Hash, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		r.Status = status
	}
}

// AddLog appends a log to block n; the receipt for its tx is created or extended.
func (c *Client) AddLog(n uint64, log types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.block(n)
	log.BlockNumber = n
	c.logs = append(c.logs, log)

	r, ok := c.receipts[log.TxHash]
	if !ok {
		r = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: log.TxHash, BlockNumber: new(big.Int).SetUint64(n)}
		c.receipts[log.TxHash] = r
	}
	l := log
	r.Logs = append(r.Logs, &l)
}

func (c *Client) Name() string { return c.name }

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) LatestBlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *Client) GetBlock(_ context.Context, n uint64) (*chain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.BlockCalls[n]++
	if err, ok := c.blockErrs[n]; ok {
		return nil, err
	}
	b := c.block(n)
	cp := *b
	cp.Transactions = append([]chain.Transaction(nil), b.Transactions...)
	return &cp, nil
}

func (c *Client) GetTransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), chain.ErrNotFound)
	}
	return r, nil
}

func (c *Client) FilterTransferLogs(_ context.Context, from, to uint64, contracts []common.Address) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n := from; n <= to; n++ {
		if err, ok := c.blockErrs[n]; ok {
			return nil, err
		}
	}

	wanted := make(map[common.Address]bool, len(contracts))
	for _, a := range contracts {
		wanted[a] = true
	}
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to && wanted[l.Address] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *Client) DecodeTransferLogs(logs []*types.Log) []chain.TransferEvent {
	return chain.DecodeTransferLogs(logs)
}

func (c *Client) SubmitTransfer(_ context.Context, signer chain.Signer, req chain.TransferRequest) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SubmitErr != nil {
		return common.Hash{}, c.SubmitErr
	}
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("submitted-%d", len(c.Submitted))))
	c.Submitted = append(c.Submitted, Submission{From: signer.Address(), Req: req, Hash: hash})
	c.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: new(big.Int).SetUint64(c.head)}
	return hash, nil
}

// WaitForConfirmation answers immediately: the recorded receipt, or ErrNotFound.
func (c *Client) WaitForConfirmation(ctx context.Context, hash common.Hash, _ uint64) (*types.Receipt, error) {
	r, err := c.GetTransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return r, fmt.Errorf("%s: %w", hash.Hex(), chain.ErrTxFailed)
	}
	return r, nil
}

func (c *Client) SuggestGasPrice(context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *Client) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

// Submissions returns a copy of the recorded transfers.
func (c *Client) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submission(nil), c.Submitted...)
}
