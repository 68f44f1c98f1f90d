package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jend-dev/libdrop/internal/audit"
	"github.com/jend-dev/libdrop/pkg/libdrop"
)

var (
	historyClear bool
	historySince string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show or purge transfer history",
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

		in := libdrop.New(cfg, priv, ts.lookup, nil, logger())

		if historyClear {
			if err := in.PurgeTransfersUntil(time.Now().UnixMilli()); err != nil {
				return err
			}
			fmt.Println("History cleared.")
			return nil
		}

		sinceMs := int64(0)
		if historySince != "" {
			d, err := time.ParseDuration(historySince)
			if err != nil {
				return fmt.Errorf("invalid --since duration: %w", err)
			}
			sinceMs = time.Now().Add(-d).UnixMilli()
		}

		records, err := in.TransfersSince(sinceMs)
		if err != nil {
			return err
		}

		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid transfer id: %w", err)
			}
			for _, r := range records {
				if r.ID == id {
					audit.PrintDetail(toSummary(r))
					return nil
				}
			}
			return fmt.Errorf("transfer %s not found", id)
		}

		summaries := make([]audit.Summary, 0, len(records))
		for _, r := range records {
			summaries = append(summaries, toSummary(r))
		}
		audit.PrintHistory(summaries)
		return nil
	},
}

func toSummary(r libdrop.TransferRecord) audit.Summary {
	var total int64
	var completed int
	for _, f := range r.Files {
		total += f.Size
		if f.BytesMoved >= f.Size && f.Size > 0 {
			completed++
		}
	}
	return audit.Summary{
		ID:        r.ID.String(),
		CreatedAt: r.CreatedAt,
		Direction: r.Direction,
		PeerIP:    r.PeerIP,
		FileCount: len(r.Files),
		TotalSize: total,
		Completed: completed,
	}
}

func init() {
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "purge all recorded history")
	historyCmd.Flags().StringVar(&historySince, "since", "", "only show transfers newer than this duration (e.g. 24h)")
}
