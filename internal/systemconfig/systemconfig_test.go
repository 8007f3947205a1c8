package systemconfig

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	portal     common.Address
	startBlock uint64
	abi        abi.ABI
}

func (f fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "optimismPortal":
		return f.abi.Methods["optimismPortal"].Outputs.Pack(f.portal)
	case "startBlock":
		return f.abi.Methods["startBlock"].Outputs.Pack(new(big.Int).SetUint64(f.startBlock))
	default:
		return nil, nil
	}
}

func newFakeCaller(t *testing.T, portal common.Address, startBlock uint64) fakeCaller {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(systemConfigABIJSON))
	require.NoError(t, err)
	return fakeCaller{portal: portal, startBlock: startBlock, abi: parsed}
}

func TestCaller_OptimismPortal(t *testing.T) {
	want := common.HexToAddress("0x1234567890123456789012345678901234567890")
	caller, err := New(common.HexToAddress("0xabc"), newFakeCaller(t, want, 100))
	require.NoError(t, err)

	got, err := caller.OptimismPortal(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestCaller_StartBlockL1(t *testing.T) {
	caller, err := New(common.HexToAddress("0xabc"), newFakeCaller(t, common.Address{}, 123456))
	require.NoError(t, err)

	got, err := caller.StartBlockL1(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(123456), got)
}

func TestNew_RejectsZeroAddress(t *testing.T) {
	_, err := New(common.Address{}, newFakeCaller(t, common.Address{}, 0))
	require.Error(t, err)
}
