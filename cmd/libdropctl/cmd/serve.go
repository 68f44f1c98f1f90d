package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/pkg/libdrop"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as a long-lived receiver, accepting transfers until interrupted",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		lockPath := filepath.Join(filepath.Dir(cfg.StoragePath), "libdropctl.lock")
		lock := flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire instance lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another libdropctl serve is already running (lock held at %s)", lockPath)
		}
		defer lock.Unlock()

		priv, err := libdrop.LoadOrCreateIdentity(identityPath(cfg))
		if err != nil {
			return err
		}
		ts, err := loadTrustStore(trustStorePath(cfg))
		if err != nil {
			return err
		}

		log := logger()
		sink := events.SinkFunc(func(e events.Event) {
			switch e.Kind {
			case events.KindRequestReceived:
				log.Info("incoming transfer request", "transfer_id", e.TransferID)
			case events.KindFileDownloadSuccess:
				log.Info("file received", "transfer_id", e.TransferID, "file", e.FileID, "path", e.FinalPath)
			case events.KindFileDownloadFailed:
				log.Warn("file download failed", "transfer_id", e.TransferID, "file", e.FileID, "err_kind", e.ErrorKind)
			case events.KindRuntimeError:
				log.Error("runtime error", "transfer_id", e.TransferID, "err_kind", e.ErrorKind)
			}
		})

		in := libdrop.New(cfg, priv, ts.lookup, sink, log)

		listenAddr := serveListenAddr

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := in.Start(ctx, listenAddr); err != nil {
			return fmt.Errorf("start instance: %w", err)
		}
		pub := in.PublicKey()
		log.Info("serving", "addr", fmt.Sprintf("%s:%d", listenAddr, cfg.ListenPort), "pubkey", base64.StdEncoding.EncodeToString(pub[:]))

		<-ctx.Done()
		log.Info("shutting down")
		return in.Stop(context.Background())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "bind host; the port is config listen_port (default all interfaces)")
}
