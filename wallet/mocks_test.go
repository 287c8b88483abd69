package wallet

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/stretchr/testify/mock"
)

// mockBackend is a mock implementation of the chain.Backend interface.
type mockBackend struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockBackend implements the
// chain.Backend interface.
var _ chain.Backend = (*mockBackend)(nil)

func (m *mockBackend) Sync(ctx context.Context,
	scripts [][]byte) (*chain.Snapshot, error) {

	args := m.Called(ctx, scripts)
	snap, _ := args.Get(0).(*chain.Snapshot)

	return snap, args.Error(1)
}

func (m *mockBackend) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	args := m.Called(ctx, tx)
	return args.Get(0).(chainhash.Hash), args.Error(1)
}

func (m *mockBackend) BestHeight(ctx context.Context) (int32, error) {
	args := m.Called(ctx)
	return args.Get(0).(int32), args.Error(1)
}

func (m *mockBackend) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	args := m.Called(ctx, txid)
	tx, _ := args.Get(0).(*wire.MsgTx)

	return tx, args.Error(1)
}

func (m *mockBackend) Close() error {
	args := m.Called()
	return args.Error(0)
}
