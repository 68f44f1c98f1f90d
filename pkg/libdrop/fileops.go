package libdrop

import (
	"context"

	"github.com/google/uuid"

	"github.com/jend-dev/libdrop/internal/liberr"
	"github.com/jend-dev/libdrop/internal/storage"
	"github.com/jend-dev/libdrop/internal/transfer"
)

// Download accepts fileID of an incoming transfer, writing it under
// destDir (§6 "download(transfer_id, file_id, dest_dir)"). The first
// Download call for a transfer fixes destDir for every later file of
// that same transfer, since one WS session serves the whole transfer.
func (in *Instance) Download(ctx context.Context, transferID uuid.UUID, fileID string, destDir string) error {
	sess, ok := in.srv.Session(transferID)
	if !ok {
		return liberr.New(liberr.BadTransfer, "no live session for transfer "+transferID.String())
	}
	sess.SetBaseDir(destDir)
	if err := sess.AcceptFile(ctx, transfer.FileID(fileID)); err != nil {
		return liberr.Wrap(liberr.BadFileID, "accept file", err)
	}
	return nil
}

// RejectFile rejects fileID, routing to whichever side (incoming
// receiver session or outgoing sender session) actually owns it (§6
// "reject_file(transfer_id, file_id)").
func (in *Instance) RejectFile(ctx context.Context, transferID uuid.UUID, fileID string) error {
	if sess, ok := in.srv.Session(transferID); ok {
		if err := sess.RejectFile(ctx, transfer.FileID(fileID)); err != nil {
			return liberr.Wrap(liberr.BadFileID, "reject incoming file", err)
		}
		return nil
	}
	if sender, ok := in.sender(transferID); ok {
		if err := sender.RejectLocal(ctx, transfer.FileID(fileID)); err != nil {
			return liberr.Wrap(liberr.BadFileID, "reject outgoing file", err)
		}
		return nil
	}
	return liberr.New(liberr.BadTransfer, "no live session for transfer "+transferID.String())
}

// FinalizeTransfer proactively ends transferID regardless of whether
// every file has reached a terminal state, tearing down its live
// session/connection and purging the in-memory registry entry (§6
// "finalize_transfer(transfer_id)").
func (in *Instance) FinalizeTransfer(transferID uuid.UUID) error {
	xfer, ok := in.mgr.Transfer(transferID)
	if !ok {
		return liberr.New(liberr.BadTransfer, "unknown transfer "+transferID.String())
	}
	xfer.Cancel()
	if err := in.mgr.RecordTransferEvent(transferID, storage.TransferEventCancel, false, 0); err != nil {
		in.log.Warn("record transfer event", "transfer_id", transferID, "err", err)
	}

	if _, err := in.mgr.IncomingRemove(transferID, false); err != nil {
		return liberr.Wrap(liberr.BadTransfer, "finalize transfer", err)
	}
	in.clearSender(transferID)
	return nil
}

// RemoveFile drops a terminal file from further consideration; it is a
// no-op beyond validation since a terminal file's durable record is
// already complete and only cleared wholesale by PurgeTransfers (§6
// "remove_file(transfer_id, file_id)").
func (in *Instance) RemoveFile(transferID uuid.UUID, fileID string) error {
	if err := in.mgr.EnsureFileNotTerminated(transferID, transfer.FileID(fileID)); err == nil {
		return liberr.New(liberr.BadFileID, "file "+fileID+" is still active, cannot remove")
	}
	return nil
}
