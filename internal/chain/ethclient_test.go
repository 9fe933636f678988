package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"custody-deposit-go/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	head     uint64
	nonce    uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	logsErr  error
	query    ethereum.FilterQuery
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(1337), receipts: map[common.Hash]*types.Receipt{}}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) BlockByNumber(context.Context, *big.Int) (*types.Block, error) {
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.query = q
	return nil, f.logsErr
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 65000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeBackend) setReceipt(hash common.Hash, status uint64, block int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &types.Receipt{Status: status, BlockNumber: big.NewInt(block), TxHash: hash}
}

func (f *fakeBackend) setHead(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = n
}

type testSigner struct {
	key *ecdsa.PrivateKey
}

func (s testSigner) Address() common.Address { return crypto.PubkeyToAddress(s.key.PublicKey) }

func (s testSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func newTestClient(t *testing.T, backend *fakeBackend) *EthClient {
	t.Helper()
	client, err := NewEthClient(context.Background(), models.ChainConfig{
		Name:         "devnet",
		ChainId:      1337,
		PollInterval: time.Millisecond,
	}, backend)
	require.NoError(t, err)
	return client
}

func TestNewEthClient_ChainMismatch(t *testing.T) {
	_, err := NewEthClient(context.Background(), models.ChainConfig{Name: "devnet", ChainId: 1}, newFakeBackend())
	assert.Error(t, err)
}

func TestSubmitTransfer_Native(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 4
	client := newTestClient(t, backend)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := testSigner{key: key}

	hash, err := client.SubmitTransfer(context.Background(), signer, TransferRequest{
		Kind:   KindNative,
		To:     testTo,
		Amount: big.NewInt(1000),
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, uint64(nativeTransferGas), tx.Gas())
	assert.Equal(t, testTo, *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), sender)
}

func TestSubmitTransfer_TokenEstimatesGas(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = client.SubmitTransfer(context.Background(), testSigner{key: key}, TransferRequest{
		Kind:     KindToken,
		Contract: testContract,
		To:       testTo,
		Amount:   big.NewInt(5),
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, uint64(65000), backend.sent[0].Gas())
	assert.Equal(t, testContract, *backend.sent[0].To())
	assert.Zero(t, backend.sent[0].Value().Sign())
}

func TestWaitForConfirmation(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	hash := common.HexToHash("0x01")

	backend.setReceipt(hash, types.ReceiptStatusSuccessful, 100)
	backend.setHead(101)

	go func() {
		time.Sleep(20 * time.Millisecond)
		backend.setHead(102)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	receipt, err := client.WaitForConfirmation(ctx, hash, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(100), receipt.BlockNumber.Int64())
}

func TestWaitForConfirmation_Reverted(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	hash := common.HexToHash("0x02")
	backend.setReceipt(hash, types.ReceiptStatusFailed, 10)
	backend.setHead(50)

	_, err := client.WaitForConfirmation(context.Background(), hash, 1)
	assert.ErrorIs(t, err, ErrTxFailed)
}

func TestWaitForConfirmation_ContextCancelled(t *testing.T) {
	client := newTestClient(t, newFakeBackend())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.WaitForConfirmation(ctx, common.HexToHash("0x03"), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFilterTransferLogs(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	logs, err := client.FilterTransferLogs(context.Background(), 1, 2, nil)
	require.NoError(t, err)
	assert.Nil(t, logs)

	_, err = client.FilterTransferLogs(context.Background(), 5, 9, []common.Address{testContract})
	require.NoError(t, err)
	assert.Equal(t, int64(5), backend.query.FromBlock.Int64())
	assert.Equal(t, []common.Address{testContract}, backend.query.Addresses)
	assert.Equal(t, TransferTopics, backend.query.Topics[0])

	backend.logsErr = errors.New("connection refused")
	_, err = client.FilterTransferLogs(context.Background(), 5, 9, []common.Address{testContract})
	assert.ErrorIs(t, err, ErrRpcUnavailable)
}

func TestGetBlock_NotFound(t *testing.T) {
	client := newTestClient(t, newFakeBackend())
	_, err := client.GetBlock(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}
