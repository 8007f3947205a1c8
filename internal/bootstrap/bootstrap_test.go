package bootstrap

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSystemConfig struct {
	portal     common.Address
	startBlock uint64
	err        error
}

func (f fakeSystemConfig) OptimismPortal(_ context.Context) (common.Address, error) {
	return f.portal, f.err
}

func (f fakeSystemConfig) StartBlockL1(_ context.Context) (uint64, error) {
	return f.startBlock, f.err
}

type fakeStore struct {
	lastBlock  uint64
	lastTxHash string
}

func (f fakeStore) LastDepositL1Block(_ context.Context) (uint64, string, error) {
	return f.lastBlock, f.lastTxHash, nil
}

type fakeChain struct {
	txFound  bool
	safeHead uint64
}

func (f fakeChain) GetTransactionByHash(_ context.Context, _ common.Hash) (bool, error) {
	return f.txFound, nil
}

func (f fakeChain) SafeHead(_ context.Context) (uint64, error) {
	return f.safeHead, nil
}

func validConfig() Config {
	return Config{
		ServiceName:     "test",
		RPCEndpoint:     "http://localhost:8545",
		SystemConfig:    common.HexToAddress("0xabc"),
		BatchSize:       500,
		TransactionType: 0x7e,
	}
}

func TestRun_FreshDB_ResumesFromStartBlock(t *testing.T) {
	systemConfig := fakeSystemConfig{portal: common.HexToAddress("0xdef"), startBlock: 100}
	store := fakeStore{}
	chain := fakeChain{safeHead: 1000}

	cfg, err := Run(context.Background(), zerolog.Nop(), validConfig(), systemConfig, store, chain)
	require.NoError(t, err)
	require.Equal(t, uint64(100), cfg.FromBlock)
	require.Equal(t, uint64(1000), cfg.SafeBlock)
	require.Equal(t, common.HexToAddress("0xdef"), cfg.OptimismPortal)
}

func TestRun_ResumesFromLastIndexedBlock(t *testing.T) {
	systemConfig := fakeSystemConfig{portal: common.HexToAddress("0xdef"), startBlock: 100}
	store := fakeStore{lastBlock: 500, lastTxHash: "0x1"}
	chain := fakeChain{safeHead: 1000, txFound: true}

	cfg, err := Run(context.Background(), zerolog.Nop(), validConfig(), systemConfig, store, chain)
	require.NoError(t, err)
	require.Equal(t, uint64(500), cfg.FromBlock)
}

func TestRun_FromBlockBeyondSafe_EntersRealtime(t *testing.T) {
	systemConfig := fakeSystemConfig{portal: common.HexToAddress("0xdef"), startBlock: 100}
	store := fakeStore{lastBlock: 1500, lastTxHash: "0x1"}
	chain := fakeChain{safeHead: 1000, txFound: true}

	cfg, err := Run(context.Background(), zerolog.Nop(), validConfig(), systemConfig, store, chain)
	require.NoError(t, err)
	require.Equal(t, uint64(1500), cfg.FromBlock)
	require.Greater(t, cfg.FromBlock, cfg.SafeBlock)
}

func TestRun_MissingRPCEndpoint_Fatal(t *testing.T) {
	cfg := validConfig()
	cfg.RPCEndpoint = ""

	_, err := Run(context.Background(), zerolog.Nop(), cfg, fakeSystemConfig{}, fakeStore{}, fakeChain{})
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

func TestRun_UndefinedSystemConfigAddress_Fatal(t *testing.T) {
	cfg := validConfig()
	cfg.SystemConfig = common.Address{}

	_, err := Run(context.Background(), zerolog.Nop(), cfg, fakeSystemConfig{}, fakeStore{}, fakeChain{})
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

func TestRun_ZeroStartBlock_Fatal(t *testing.T) {
	systemConfig := fakeSystemConfig{portal: common.HexToAddress("0xdef"), startBlock: 0}

	_, err := Run(context.Background(), zerolog.Nop(), validConfig(), systemConfig, fakeStore{}, fakeChain{})
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

func TestRun_StartBlockPastLastIndexed_Fatal(t *testing.T) {
	systemConfig := fakeSystemConfig{portal: common.HexToAddress("0xdef"), startBlock: 600}
	store := fakeStore{lastBlock: 500, lastTxHash: "0x1"}

	_, err := Run(context.Background(), zerolog.Nop(), validConfig(), systemConfig, store, fakeChain{safeHead: 1000})
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

func TestRun_StartBlockPastSafeHead_Fatal(t *testing.T) {
	systemConfig := fakeSystemConfig{portal: common.HexToAddress("0xdef"), startBlock: 2000}

	_, err := Run(context.Background(), zerolog.Nop(), validConfig(), systemConfig, fakeStore{}, fakeChain{safeHead: 1000})
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

// Deep reorg predating the fetcher: the last-indexed transaction is no longer on L1.
func TestRun_LastIndexedTxMissingFromL1_Fatal(t *testing.T) {
	systemConfig := fakeSystemConfig{portal: common.HexToAddress("0xdef"), startBlock: 100}
	store := fakeStore{lastBlock: 500, lastTxHash: "0x1"}
	chain := fakeChain{safeHead: 1000, txFound: false}

	_, err := Run(context.Background(), zerolog.Nop(), validConfig(), systemConfig, store, chain)
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

func TestRun_ZeroPortalAddress_Fatal(t *testing.T) {
	systemConfig := fakeSystemConfig{portal: common.Address{}, startBlock: 100}

	_, err := Run(context.Background(), zerolog.Nop(), validConfig(), systemConfig, fakeStore{}, fakeChain{safeHead: 1000})
	require.Error(t, err)
	require.True(t, IsFatal(err))
}
