// Package bootconfig provides process-wide logger and configuration initialization
// for the deposit indexer. Unlike the teacher's multi-chain registry, this indexer
// has a small, flat set of required keys (one L1 RPC endpoint, one SystemConfig
// address, one DSN, one NATS URL, one filter-lease path, and the metrics and health
// listen addresses) with no other layer validating them before they
// reach a dial/connect call, so RequireString/RequireAddress fail fast here instead.
package bootconfig

import (
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// InitLogger initializes and returns a zerolog logger.
// It supports both JSON (production) and pretty console (development) output.
func InitLogger() *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "op-deposit-indexer").
			Logger()
	}

	return &logger
}

// InitConfig initializes and returns a koanf configuration instance.
// It loads configuration from the TOML file and allows environment variable overrides.
func InitConfig(logger *zerolog.Logger, configPath string) *koanf.Koanf {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		logger.Fatal().
			Err(err).
			Str("path", configPath).
			Msg("failed to load config file")
	}

	// Environment variables like L1_RPC_ENDPOINT override l1.rpc.endpoint.
	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil); err != nil {
		logger.Warn().
			Err(err).
			Msg("failed to load environment variables")
	}

	logger.Info().
		Str("config_file", configPath).
		Msg("configuration loaded successfully")

	return ko
}

// UpdateLogLevel updates the global log level based on configuration.
func UpdateLogLevel(ko *koanf.Koanf, logger *zerolog.Logger) {
	levelStr := ko.String("logging.level")
	if levelStr == "" {
		levelStr = "info"
	}

	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().
			Str("configured_level", levelStr).
			Str("using_level", "info").
			Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

// RequireString returns the string at key, or calls logger.Fatal naming the key if
// it is empty. Used for config values (DSN, broker URL, listen addresses) that have
// no other validation layer before they reach a dial/connect call downstream.
func RequireString(ko *koanf.Koanf, logger *zerolog.Logger, key string) string {
	v := ko.String(key)
	if v == "" {
		logger.Fatal().Str("key", key).Msg("required configuration key is empty")
	}
	return v
}

// RequireAddress parses key as a 0x-prefixed hex address, or calls logger.Fatal if
// the key is empty or not valid hex. common.HexToAddress silently left-pads
// malformed input instead of erroring, which would otherwise surface much later as
// calls routed to the wrong contract address.
func RequireAddress(ko *koanf.Koanf, logger *zerolog.Logger, key string) common.Address {
	v := ko.String(key)
	if v == "" || !common.IsHexAddress(v) {
		logger.Fatal().Str("key", key).Str("value", v).Msg("required configuration key is not a valid hex address")
	}
	return common.HexToAddress(v)
}

func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
