// Package systemconfig reads the L1 SystemConfig contract the bootstrapper needs to
// discover the OptimismPortal address and the configured L1 start block (spec.md §4.1).
//
// Only two view functions are read, so this binds them by hand against go-ethereum's
// abi package rather than carrying a full abigen-generated contract file (compare
// pkg/contracts/ConditionalTokens.go in the teacher, which binds an entire contract
// surface for a much larger read/write API).
package systemconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const systemConfigABIJSON = `[
	{"inputs":[],"name":"optimismPortal","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"startBlock","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Caller performs eth_call reads against a deployed SystemConfig contract.
type Caller struct {
	address common.Address
	abi     abi.ABI
	caller  ContractCaller
}

// ContractCaller is the minimal RPC surface Caller needs (satisfied by chain.Client).
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// New binds a Caller to the given SystemConfig contract address.
func New(address common.Address, caller ContractCaller) (*Caller, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("system config address is undefined")
	}

	parsedABI, err := abi.JSON(strings.NewReader(systemConfigABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse system config ABI: %w", err)
	}

	return &Caller{address: address, abi: parsedABI, caller: caller}, nil
}

// OptimismPortal reads the OptimismPortal address from the SystemConfig contract.
func (c *Caller) OptimismPortal(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, "optimismPortal")
	if err != nil {
		return common.Address{}, err
	}

	var addr common.Address
	if err := c.abi.UnpackIntoInterface(&addr, "optimismPortal", out); err != nil {
		return common.Address{}, fmt.Errorf("failed to unpack optimismPortal result: %w", err)
	}
	return addr, nil
}

// StartBlockL1 reads the configured L1 start block from the SystemConfig contract.
func (c *Caller) StartBlockL1(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, "startBlock")
	if err != nil {
		return 0, err
	}

	unpacked, err := c.abi.Unpack("startBlock", out)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack startBlock result: %w", err)
	}
	if len(unpacked) != 1 {
		return 0, fmt.Errorf("unexpected startBlock return arity: %d", len(unpacked))
	}

	value, ok := unpacked[0].(interface{ Uint64() uint64 })
	if !ok {
		return 0, fmt.Errorf("unexpected startBlock return type %T", unpacked[0])
	}
	return value.Uint64(), nil
}

func (c *Caller) call(ctx context.Context, method string) ([]byte, error) {
	input, err := c.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &c.address,
		Data: input,
	})
	if err != nil {
		return nil, fmt.Errorf("eth_call %s failed: %w", method, err)
	}
	return out, nil
}
