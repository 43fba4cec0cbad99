package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ezratameno/camupdate/internal/client"
	"github.com/ezratameno/camupdate/internal/integrity"
	"github.com/ezratameno/camupdate/internal/metrics"
	"github.com/ezratameno/camupdate/internal/session"
	"github.com/ezratameno/camupdate/internal/storage"
	"github.com/ezratameno/camupdate/internal/transport"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	err := run()
	if err != nil {
		// The help message was already printed by the parser.
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const (
	commandRun     = "run"
	commandInfo    = "info"
	commandExtract = "extract"
	commandInit    = "init"
)

func run() error {
	cfg, args, err := loadConfig()
	if err != nil {
		return err
	}

	command := commandRun
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case commandRun:
		if err := initLogging(cfg); err != nil {
			return err
		}
		defer logRotator.Close()

		return runClient(cfg)

	case commandInfo:
		return infoCmd(cfg.InstallDir)

	case commandExtract:
		if err := initLogging(cfg); err != nil {
			return err
		}
		defer logRotator.Close()

		return storage.ZipExtractor{}.Extract(cfg.StagingFile, cfg.InstallDir)

	case commandInit:
		return initCmd(cfg.InstallDir, args[1:])

	default:
		return fmt.Errorf("unknown command %s", command)
	}
}

// infoCmd prints the manifest of the installed version.
func infoCmd(installDir string) error {
	m, err := storage.ReadManifest(installDir)
	if err != nil {
		return err
	}

	fmt.Printf("Name: %v\n", m.Name)
	fmt.Printf("Version: %v\n", m.Version)
	fmt.Printf("Entry: %v\n", m.Entry)

	return nil
}

// initCmd records a freshly provisioned installation. It expects the
// application name, its version and optionally the entry binary.
func initCmd(installDir string, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: %s <name> <version> [entry]",
			commandInit)
	}

	version, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil || version == 0 {
		return fmt.Errorf("invalid version %q", args[1])
	}

	m := &storage.Manifest{
		Name:    args[0],
		Version: int64(version),
	}
	if len(args) == 3 {
		m.Entry = args[2]
	}

	if err := storage.WriteManifest(installDir, m); err != nil {
		return err
	}

	fmt.Printf("Initialized %v at version %d\n", installDir, version)

	return nil
}

// runClient runs the update loop, and the metrics exporter if configured,
// until a signal arrives or one of them fails.
func runClient(cfg *config) error {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	server, err := transport.Resolve(cfg.Server, cfg.Port)
	if err != nil {
		return err
	}

	ch, err := transport.Open(true, cfg.Server, cfg.Port)
	if err != nil {
		return err
	}
	defer ch.Close()

	if cfg.SkipSigCheck {
		log.Warnf("Signature verification disabled, updates are " +
			"accepted unverified")
	}

	sess, err := session.New(&session.Config{
		Server:             server,
		Sender:             ch,
		Tokens:             integrity.NewTokenGenerator(),
		Verifier:           integrity.SchnorrVerifier{},
		Storage:            storage.NewFileStore(),
		Versions:           storage.ManifestVersions{Dir: cfg.InstallDir},
		StagingPath:        cfg.StagingFile,
		SkipSignatureCheck: cfg.SkipSigCheck,
		Policy:             cfg.policy(),
	})
	if err != nil {
		return err
	}

	c, err := client.New(&client.Config{
		Session:     sess,
		Channel:     ch,
		Clock:       clock.NewDefaultClock(),
		Ticker:      ticker.New(cfg.Protocol.PollInterval),
		Extractor:   storage.ZipExtractor{},
		StagingPath: cfg.StagingFile,
		InstallDir:  cfg.InstallDir,
	})
	if err != nil {
		return err
	}

	log.Infof("Checking %v for updates of %v", server, cfg.InstallDir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(ctx)
	})

	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			metrics.NewCollector(c),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(
				collectors.ProcessCollectorOpts{},
			),
		)

		g.Go(func() error {
			return metrics.Serve(ctx, cfg.MetricsListen, reg)
		})
	}

	return g.Wait()
}
