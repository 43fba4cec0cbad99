package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ezratameno/camupdate/internal/build"
	"github.com/ezratameno/camupdate/internal/integrity"
	"github.com/ezratameno/camupdate/internal/server"
	"github.com/ezratameno/camupdate/internal/storage"
	"github.com/ezratameno/camupdate/internal/transport"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	logRotator = build.NewRotatingLogWriter()
	logWriter  = &build.LogWriter{}
	logMgr     = build.NewSubLoggerManager(logWriter)

	log = logMgr.Logger("SRVD")
)

func init() {
	server.UseLogger(logMgr.Logger("USRV"))
	transport.UseLogger(logMgr.Logger("TRNS"))
	storage.UseLogger(logMgr.Logger("STOR"))
}

func main() {
	err := run()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.MaxLogFiles > 0 {
		err := logRotator.InitLogRotator(&build.FileLoggerConfig{
			MaxLogFiles:    cfg.MaxLogFiles,
			MaxLogFileSize: cfg.MaxLogFileSize,
			Compressor:     build.Gzip,
		}, cfg.logFile())
		if err != nil {
			return err
		}
		defer logRotator.Close()

		logWriter.Rotator = logRotator
	}

	if err := logMgr.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	payload, err := os.ReadFile(cfg.Payload)
	if err != nil {
		return fmt.Errorf("unable to read payload: %w", err)
	}

	version := cfg.Version
	if version == 0 {
		m, err := storage.ArchiveManifest(payload)
		if err != nil {
			return fmt.Errorf("no version given and none in the "+
				"archive: %w", err)
		}
		version = uint32(m.Version)
	}

	signer, err := loadOrCreateSigner(cfg.KeyFile)
	if err != nil {
		return err
	}
	log.Infof("Signing with public key %x", signer.PublicKey())

	ch, err := transport.Open(false, cfg.Listen, cfg.Port)
	if err != nil {
		return err
	}
	defer ch.Close()

	srv, err := server.New(&server.Config{
		Channel:        ch,
		Version:        version,
		Payload:        payload,
		Signer:         signer,
		Tokens:         integrity.NewTokenGenerator(),
		PieceSize:      cfg.PieceSize,
		Clock:          clock.NewDefaultClock(),
		Ticker:         ticker.New(cfg.PollInterval),
		SessionTimeout: cfg.SessionTimeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	log.Infof("Update server listening on %v", ch.LocalAddr())

	return srv.Run(ctx)
}

// loadOrCreateSigner reads the signing key, generating and saving a new one
// when the file does not exist yet.
func loadOrCreateSigner(path string) (*integrity.Signer, error) {
	signer, err := integrity.LoadSigner(path)
	if err == nil {
		return signer, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	signer, err = integrity.NewSigner()
	if err != nil {
		return nil, err
	}

	if err := signer.Save(path); err != nil {
		return nil, fmt.Errorf("unable to save signing key: %w", err)
	}

	log.Infof("Generated signing key %v, public key %v", path,
		hex.EncodeToString(signer.PublicKey()))

	return signer, nil
}
