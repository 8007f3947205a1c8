package bootconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestKoanf(t *testing.T, tomlBody string) *koanf.Koanf {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlBody), 0o600))

	ko := koanf.New(".")
	require.NoError(t, ko.Load(file.Provider(path), toml.Parser()))
	return ko
}

// RequireString/RequireAddress only exercise their fatal path via logger.Fatal,
// which calls os.Exit and can't be driven in-process; these tests cover the
// non-fatal path, the one every config key hits on a correctly configured node.
func TestRequireString_ReturnsConfiguredValue(t *testing.T) {
	logger := zerolog.Nop()
	ko := newTestKoanf(t, "[db]\ndsn = \"postgres://localhost/deposits\"\n")

	got := RequireString(ko, &logger, "db.dsn")
	require.Equal(t, "postgres://localhost/deposits", got)
}

func TestRequireAddress_ParsesValidHexAddress(t *testing.T) {
	logger := zerolog.Nop()
	const addr = "0x229047fed2591dbec1eF1118d64F7aF3dB9EB290"
	ko := newTestKoanf(t, "[optimism]\nl1_system_config = \""+addr+"\"\n")

	got := RequireAddress(ko, &logger, "optimism.l1_system_config")
	require.Equal(t, common.HexToAddress(addr), got)
}
