package libdrop

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/liberr"
	"github.com/jend-dev/libdrop/internal/storage"
)

// FileRecord is one file of a TransferRecord's historical view.
type FileRecord struct {
	FileID       string
	RelativePath string
	Size         int64
	BytesMoved   int64
}

// TransferRecord is the embedder-facing shape of one durable transfer,
// assembled from storage's rows (§6 "transfers_since(ms_epoch)").
type TransferRecord struct {
	ID        uuid.UUID
	PeerIP    string
	Direction string
	CreatedAt time.Time
	Files     []FileRecord
}

func toRecord(s storage.TransferSummary) (TransferRecord, bool) {
	id, err := uuid.Parse(s.Transfer.ID)
	if err != nil {
		return TransferRecord{}, false
	}
	files := make([]FileRecord, 0, len(s.Paths))
	for _, p := range s.Paths {
		files = append(files, FileRecord{FileID: p.FileID, RelativePath: p.RelativePath, Size: p.Size, BytesMoved: p.BytesMoved})
	}
	return TransferRecord{
		ID:        id,
		PeerIP:    s.Transfer.PeerIP,
		Direction: s.Transfer.Direction,
		CreatedAt: s.Transfer.CreatedAt,
		Files:     files,
	}, true
}

// TransfersSince lists every transfer created at or after sinceMs
// (milliseconds since epoch), newest first (§6).
func (in *Instance) TransfersSince(sinceMs int64) ([]TransferRecord, error) {
	summaries, err := in.store.TransfersSince(context.Background(), sinceMs)
	if err != nil {
		return nil, liberr.Wrap(liberr.StorageError, "list transfers since", err)
	}
	out := make([]TransferRecord, 0, len(summaries))
	for _, s := range summaries {
		if rec, ok := toRecord(s); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// PurgeTransfers permanently deletes the named transfers' durable
// records (§6 "purge_transfers([ids])").
func (in *Instance) PurgeTransfers(ids []uuid.UUID) error {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	if err := in.store.PurgeTransfers(context.Background(), strs); err != nil {
		return liberr.Wrap(liberr.StorageError, "purge transfers", err)
	}
	return nil
}

// PurgeTransfersUntil deletes every transfer created strictly before
// untilMs (§6 "purge_transfers_until(ms_epoch)").
func (in *Instance) PurgeTransfersUntil(untilMs int64) error {
	if err := in.store.PurgeTransfersUntil(context.Background(), untilMs); err != nil {
		return liberr.Wrap(liberr.StorageError, "purge transfers until", err)
	}
	return nil
}
