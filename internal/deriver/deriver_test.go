package deriver

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// EventSig must be the real TransactionDeposited topic0: keccak256 of the event
// signature string, independent of the packed-log fixtures built elsewhere in this
// file (which reuse EventSig itself and so can't catch a wrong constant).
func TestEventSig_MatchesEventSignatureDigest(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("TransactionDeposited(address,address,uint256,bytes)"))
	require.Equal(t, want, EventSig)
	require.Equal(t, "0xb3813568d9991fc951961fcb4c784893574240a28925604d09fc577c55bb7c32", EventSig.Hex())
}

// Source-hash derivation for a deposit transaction, per the OptimismPortal
// depositTransaction source-hash formula.
func TestSourceHash_MatchesReferenceFormula(t *testing.T) {
	var blockHash common.Hash
	for i := range blockHash {
		blockHash[i] = 0x11
	}

	want := crypto.Keccak256Hash(
		make([]byte, 32),
		crypto.Keccak256(blockHash.Bytes(), leftPad32(5)),
	)

	got := SourceHash(blockHash, 5)
	require.Equal(t, want, got)
}

// SourceHash must be a pure function: identical inputs yield identical output
// (spec.md §8 invariant 1).
func TestSourceHash_Pure(t *testing.T) {
	blockHash := common.HexToHash("0xdead")
	a := SourceHash(blockHash, 7)
	b := SourceHash(blockHash, 7)
	require.Equal(t, a, b)
}

func encodeOpaqueData(t *testing.T, msgValue, value *big.Int, gasLimit uint64, isCreation bool, data []byte) []byte {
	t.Helper()

	raw := make([]byte, 0, 73+len(data))
	var buf [32]byte
	msgValue.FillBytes(buf[:])
	raw = append(raw, buf[:]...)
	value.FillBytes(buf[:])
	raw = append(raw, buf[:]...)

	var gasBuf [8]byte
	new(big.Int).SetUint64(gasLimit).FillBytes(gasBuf[:])
	raw = append(raw, gasBuf[:]...)

	if isCreation {
		raw = append(raw, 1)
	} else {
		raw = append(raw, 0)
	}
	raw = append(raw, data...)

	bytesTy, err := abi.NewType("bytes", "", nil)
	require.NoError(t, err)
	args := abi.Arguments{{Type: bytesTy}}
	encoded, err := args.Pack(raw)
	require.NoError(t, err)
	return encoded
}

// L2 transaction hash for a minimal deposit decoded straight from a raw log.
func TestL2TransactionHash_MinimalDepositFromLog(t *testing.T) {
	var from, to common.Address
	for i := range from {
		from[i] = 0xaa
	}
	for i := range to {
		to[i] = 0xbb
	}

	blockHash := common.HexToHash("0x" + repeat("cd", 32))
	logIndex := uint64(0)

	opaque := encodeOpaqueData(t, big.NewInt(1), big.NewInt(1), 21000, false, nil)

	log := types.Log{
		Topics: []common.Hash{
			EventSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.Hash{}, // version, unused by the deriver
		},
		Data:      opaque,
		BlockHash: blockHash,
		Index:     uint(logIndex),
	}

	result, err := FromLog(log, 0x7E)
	require.NoError(t, err)
	require.Equal(t, from, result.From)
	require.Equal(t, to, result.To)
	require.Equal(t, big.NewInt(1), result.Payload.MsgValue)
	require.Equal(t, uint64(21000), result.Payload.GasLimit)

	wantSourceHash := SourceHash(blockHash, logIndex)
	require.Equal(t, wantSourceHash, result.SourceHash)

	wantHash, err := L2TransactionHash(wantSourceHash, from, to, result.Payload, 0x7E)
	require.NoError(t, err)
	require.Equal(t, wantHash, result.L2TxHash)
}

// RLP encoding of every numeric field strips leading zero bytes; zero becomes the
// empty byte string (spec.md §8 invariant 2).
func TestL2TransactionHash_ZeroFieldsEncodeEmpty(t *testing.T) {
	var from, to common.Address
	sourceHash := common.Hash{}
	payload := Payload{
		MsgValue: big.NewInt(0),
		Value:    big.NewInt(0),
		GasLimit: 0,
		Data:     nil,
	}

	hashA, err := L2TransactionHash(sourceHash, from, to, payload, 0x7E)
	require.NoError(t, err)

	// Hand-built encoding: list header 0xf8 0x50 (80-byte payload), the 32-byte
	// source hash (0xa0) and two 20-byte addresses (0x94) kept at full width, then
	// msg_value, value, gas_limit, is_system and data each as the empty string 0x80.
	want := []byte{0x7E, 0xf8, 0x50, 0xa0}
	want = append(want, make([]byte, 32)...)
	want = append(want, 0x94)
	want = append(want, make([]byte, 20)...)
	want = append(want, 0x94)
	want = append(want, make([]byte, 20)...)
	want = append(want, 0x80, 0x80, 0x80, 0x80, 0x80)
	require.Equal(t, crypto.Keccak256Hash(want), hashA)

	// Re-deriving with identical inputs must produce an identical hash (purity).
	hashB, err := L2TransactionHash(sourceHash, from, to, payload, 0x7E)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}

func TestDecodeOpaqueData_RoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	encoded := encodeOpaqueData(t, big.NewInt(42), big.NewInt(7), 100000, true, data)

	payload, err := DecodeOpaqueData(encoded)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(42), payload.MsgValue)
	require.Equal(t, big.NewInt(7), payload.Value)
	require.Equal(t, uint64(100000), payload.GasLimit)
	require.True(t, payload.IsCreation)
	require.Equal(t, data, payload.Data)
}

func TestDecodeOpaqueData_TooShort(t *testing.T) {
	bytesTy, err := abi.NewType("bytes", "", nil)
	require.NoError(t, err)
	args := abi.Arguments{{Type: bytesTy}}
	encoded, err := args.Pack([]byte{1, 2, 3})
	require.NoError(t, err)

	_, err = DecodeOpaqueData(encoded)
	require.Error(t, err)
}

func leftPad32(v uint64) []byte {
	var out [32]byte
	new(big.Int).SetUint64(v).FillBytes(out[:])
	return out[:]
}

func repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
