package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jend-dev/libdrop/internal/events"
	"github.com/jend-dev/libdrop/pkg/libdrop"
)

var sendListenAddr string

var sendCmd = &cobra.Command{
	Use:   "send <peer-ip> <path...>",
	Short: "Send one or more files/directories to a peer",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		priv, err := libdrop.LoadOrCreateIdentity(identityPath(cfg))
		if err != nil {
			return err
		}
		ts, err := loadTrustStore(trustStorePath(cfg))
		if err != nil {
			return err
		}

		nickname := petname.Generate(3, "-")
		log := logger().With("session", nickname)

		done := make(chan events.Event, 1)
		var xferID uuid.UUID
		sink := events.SinkFunc(func(e events.Event) {
			if e.TransferID != xferID {
				return
			}
			switch e.Kind {
			case events.KindFileUploadProgress:
				log.Info("uploading", "file", e.FileID, "bytes", e.Bytes, "total", e.TotalBytes)
			case events.KindFileUploadSuccess, events.KindFileUploadFailed, events.KindFileUploadRejected, events.KindTransferFailed, events.KindOutgoingTransferCanceled:
				select {
				case done <- e:
				default:
				}
			}
		})

		in := libdrop.New(cfg, priv, ts.lookup, sink, logger())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := in.Start(ctx, ""); err != nil {
			return fmt.Errorf("start instance: %w", err)
		}
		defer in.Stop(context.Background())

		descriptors := make([]libdrop.Descriptor, 0, len(args)-1)
		for _, p := range args[1:] {
			descriptors = append(descriptors, libdrop.PathDescriptor(p))
		}

		id, err := in.NewTransfer(args[0], descriptors)
		if err != nil {
			return fmt.Errorf("start transfer: %w", err)
		}
		xferID = id
		fmt.Printf("Transfer %s queued as %s, sending to %s...\n", id, nickname, args[0])

		select {
		case e := <-done:
			if e.Kind == events.KindFileUploadSuccess {
				fmt.Println("Transfer completed.")
				return nil
			}
			return fmt.Errorf("transfer did not complete cleanly: %s", e.Kind)
		case <-ctx.Done():
			return fmt.Errorf("interrupted")
		case <-time.After(cfg.TransferIdleLifetime):
			return fmt.Errorf("timed out waiting for transfer to finish")
		}
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendListenAddr, "listen", "", "unused, reserved for a future explicit bind override")
}
