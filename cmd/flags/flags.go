package flags

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/ruteri/spacestore/common"
	"github.com/ruteri/spacestore/credentials"
	"github.com/ruteri/spacestore/httpserver"
	"github.com/ruteri/spacestore/retry"
	"github.com/ruteri/spacestore/storage"
	"github.com/ruteri/spacestore/writer"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String("metrics-addr")
	enablePprof := cCtx.Bool("pprof")
	drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// ProviderFactory builds a storage factory, with a Vault credential source
// when --vault-addr is set.
func ProviderFactory(cCtx *cli.Context, logger *slog.Logger) (*storage.ProviderFactory, error) {
	var source credentials.Source
	if addr := cCtx.String(VaultAddrFlag.Name); addr != "" {
		vault, err := credentials.NewVaultSource(credentials.VaultConfig{
			Address:   addr,
			MountPath: cCtx.String(VaultMountFlag.Name),
			Token:     cCtx.String(VaultTokenFlag.Name),
		}, logger)
		if err != nil {
			return nil, err
		}
		source = vault
	}
	return storage.NewProviderFactory(logger, credentials.NewResolver(source, logger)), nil
}

// WriterConfig reads the chunking writer flags.
func WriterConfig(cCtx *cli.Context) (writer.Config, error) {
	cfg := writer.DefaultConfig()
	size, err := humanize.ParseBytes(cCtx.String(MaxChunkSizeFlag.Name))
	if err != nil {
		return cfg, err
	}
	cfg.MaxChunkSize = int64(size)
	cfg.DiscardResults = !cCtx.Bool(KeepResultsFlag.Name)
	cfg.FailFast = cCtx.Bool(FailFastFlag.Name)
	cfg.Retry = RetryPolicy(cCtx)
	return cfg, nil
}

func RetryPolicy(cCtx *cli.Context) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cCtx.Int(RetryAttemptsFlag.Name)
	return p
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	EnvVars: []string{"VAULT_ADDR"},
	Usage:   "Vault address for credentials=vault:<path> provider locations",
}
var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	EnvVars: []string{"VAULT_TOKEN"},
	Usage:   "Vault token",
}
var VaultMountFlag = &cli.StringFlag{
	Name:  "vault-mount",
	Value: "secret",
	Usage: "mount path of the Vault KV v2 engine",
}

var MaxChunkSizeFlag = &cli.StringFlag{
	Name:  "max-chunk-size",
	Value: "1GiB",
	Usage: "content larger than this is split into chunks of this size",
}
var KeepResultsFlag = &cli.BoolFlag{
	Name:  "keep-results",
	Value: true,
	Usage: "accumulate per-item write results",
}
var RetryAttemptsFlag = &cli.IntFlag{
	Name:  "retry-attempts",
	Value: 3,
	Usage: "attempts per storage operation, including the first",
}
var FailFastFlag = &cli.BoolFlag{
	Name:  "fail-fast",
	Value: false,
	Usage: "stop at the first failed item",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var VaultFlags = []cli.Flag{
	VaultAddrFlag,
	VaultTokenFlag,
	VaultMountFlag,
}

var WriterFlags = []cli.Flag{
	MaxChunkSizeFlag,
	KeepResultsFlag,
	RetryAttemptsFlag,
	FailFastFlag,
}
