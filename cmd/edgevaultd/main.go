package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/plcforge/edgevault/internal/config"
	"github.com/plcforge/edgevault/internal/logger"
	"github.com/plcforge/edgevault/internal/loop"
	"github.com/plcforge/edgevault/internal/server"
	"github.com/plcforge/edgevault/pkg/flash"
	"github.com/plcforge/edgevault/pkg/journal"
	"github.com/plcforge/edgevault/pkg/manifest"
	"github.com/plcforge/edgevault/pkg/runtime"
	"github.com/plcforge/edgevault/pkg/trust"
)

const (
	envVarPrefix = "EDGEVAULT_"
)

// Set by the build process using ldflags.
var (
	binaryName = "unknown"
	version    = "unknown"
	commit     = "unknown"
	buildTime  = "unknown"
)

func main() {
	pflag.Bool("version", false, "Print the version then exit.")
	pflag.String("cfg-file", "/etc/edgevault/edgevaultd.toml", "The path to a configuration file (can be omitted to set all configuration using flags and/or environment variables).")
	pflag.String("log.type", "stderr", "Where log messages should be sent ('stderr', 'stdout', 'logfile').")
	pflag.String("log.file", "/var/log/edgevault/edgevaultd.log", "The path to the desired log file when log.type is 'logfile' (if needed the directory and all parent directories will be created).")
	pflag.Int8("log.level", 3, "Adjust the logging level (0=Fatal, 1=Error, 2=Warn, 3=Info, 4+=Debug).")
	pflag.Bool("log.developer", false, "Enable developer logging including stack traces and setting the equivalent of log.level=5 and log.type=stdout (all other log settings are ignored).")
	pflag.String("flash.image-path", "/var/lib/edgevault/banks.img", "The backing image holding both agent banks. Created and pre-erased on first start.")
	pflag.String("trust.keyring-file", "/etc/edgevault/keyring.yaml", "The YAML file of provisioned ed25519 trust anchors. Signatures verify against these keys only; there is no runtime enrolment.")
	pflag.String("journal.path", "/var/lib/edgevault/journal", "Directory holding the event journal database.")
	pflag.Int("journal.max-events", journal.DefaultMaxEvents, "How many journal events to retain before the oldest are pruned.")
	pflag.String("runtime.boot-verify", "full", "How the active slot is re-verified at boot: 'full' repeats the complete signature and digest validation, 'integrity' checks digests only.")
	pflag.Float64("runtime.safe-default", 0, "The actuation value emitted while no valid agent is loaded or after a failed check.")
	pflag.Duration("runtime.watchdog", 30*time.Second, "How long an update transaction may run before it is forcibly rolled back.")
	pflag.String("server.address", "0.0.0.0:9710", "The hostname:port where the runtime listens for pushes from the edgevault CLI.")
	pflag.Int64("server.max-update-bytes", 1<<20, "The largest accepted update push in bytes.")
	pflag.String("loop.source", "none", "The control cycle sample source ('none' disables the loop, 'sim' generates a synthetic voltage waveform).")
	pflag.Duration("loop.period", 10*time.Millisecond, "The control cycle interval when the loop is enabled.")
	pflag.Float64("loop.nominal", 230, "The simulated nominal voltage when loop.source is 'sim'.")
	pflag.Bool("developer.dump-config", false, "Dump the full configuration and immediately exit.")
	pflag.CommandLine.MarkHidden("developer.dump-config")
	pflag.CommandLine.SortFlags = false
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		pflag.PrintDefaults()
		helpText := `
Further info:
	Configuration may be set using a mix of flags, environment variables, and values from a TOML configuration file.
	Configuration will be merged using the following precedence order (highest->lowest): (1) flags (2) environment variables (3) configuration file (4) defaults.
Using environment variables:
	To specify configuration using environment variables specify %sKEY=VALUE where KEY is the flag name you want to specify in all capitals replacing dots (.) with a double underscore (__) and hyphens (-) with an underscore (_).
	Examples:
	export %sLOG__LEVEL=5
`
		fmt.Fprintf(os.Stderr, helpText, envVarPrefix, envVarPrefix)
		os.Exit(0)
	}
	pflag.Parse()

	if printVersion, _ := pflag.CommandLine.GetBool("version"); printVersion {
		fmt.Printf("%s %s (commit: %s, built: %s)\n", binaryName, version, commit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(pflag.CommandLine, envVarPrefix)
	if err != nil {
		log.Fatalf("unable to get initial configuration: %s", err)
	}
	if cfg.Developer.DumpConfig {
		fmt.Printf("Dumping AppConfig and exiting...\n\n")
		fmt.Printf("%+v\n", cfg)
		os.Exit(0)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("unable to initialize logger: %s", err)
	}
	defer logger.Sync()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	keyring, err := trust.LoadKeyring(afero.NewOsFs(), cfg.Trust.KeyringFile)
	if err != nil {
		logger.Fatal("unable to load trust keyring", zap.Error(err))
	}
	dev, err := flash.Open(afero.NewOsFs(), cfg.Flash.ImagePath)
	if err != nil {
		logger.Fatal("unable to open flash image", zap.Error(err))
	}
	defer flash.Close(dev)
	j, err := journal.Open(cfg.Journal, logger.Logger)
	if err != nil {
		logger.Fatal("unable to open event journal", zap.Error(err))
	}
	defer j.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	validator := manifest.NewValidator(keyring, manifest.DefaultCaps, logger.Logger)
	rt, err := runtime.New(cfg.Runtime, logger.Logger, validator, dev, j,
		runtime.NewMetrics(reg), loop.Collaborators(logger.Logger, cfg.Loop))
	if err != nil {
		logger.Fatal("unable to initialize runtime", zap.Error(err))
	}

	apiServer := server.New(logger.Logger, cfg.Server, rt, j, reg)
	errChan := make(chan error, 2)
	apiServer.ListenAndServe(errChan)
	if l := loop.New(logger.Logger, cfg.Loop, rt); l != nil {
		go l.Run(ctx)
	}

	select {
	case err := <-errChan:
		logger.Error("component terminated unexpectedly", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	cancel()
	apiServer.Stop()
	logger.Info("shutdown all components, exiting")
}
