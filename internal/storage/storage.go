package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id         TEXT PRIMARY KEY,
	peer_ip    TEXT NOT NULL,
	direction  TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS paths (
	rowid         INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id   TEXT NOT NULL REFERENCES transfers(id),
	kind          TEXT NOT NULL,
	file_id       TEXT NOT NULL,
	relative_path TEXT NOT NULL,
	size          INTEGER NOT NULL,
	bytes_moved   INTEGER NOT NULL DEFAULT 0,
	content_uri   TEXT NOT NULL DEFAULT '',
	source_path   TEXT NOT NULL DEFAULT '',
	base_dir      TEXT NOT NULL DEFAULT '',
	UNIQUE(transfer_id, file_id)
);

CREATE TABLE IF NOT EXISTS path_events (
	rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
	path_rowid  INTEGER NOT NULL REFERENCES paths(rowid),
	created_at  INTEGER NOT NULL,
	state       TEXT NOT NULL,
	bytes       INTEGER NOT NULL DEFAULT 0,
	by_peer     INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0,
	final_path  TEXT NOT NULL DEFAULT '',
	base_dir_v  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS transfer_events (
	rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id TEXT NOT NULL REFERENCES transfers(id),
	created_at  INTEGER NOT NULL,
	state       TEXT NOT NULL,
	by_peer     INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS in_flight_incoming (
	transfer_id TEXT NOT NULL,
	file_id     TEXT NOT NULL,
	base_dir    TEXT NOT NULL,
	temp_name   TEXT NOT NULL,
	PRIMARY KEY (transfer_id, file_id)
);

CREATE TABLE IF NOT EXISTS checksum_cache (
	transfer_id TEXT NOT NULL,
	file_id     TEXT NOT NULL,
	checksum    BLOB NOT NULL,
	PRIMARY KEY (transfer_id, file_id)
);

CREATE INDEX IF NOT EXISTS idx_paths_transfer ON paths(transfer_id);
CREATE INDEX IF NOT EXISTS idx_path_events_path ON path_events(path_rowid);
CREATE INDEX IF NOT EXISTS idx_transfer_events_transfer ON transfer_events(transfer_id);
`

// Store is the durable engine backing a libdrop instance. When the
// on-disk database cannot be opened or recreated, OpenResilient falls
// back to an in-memory Store (Open with an empty path).
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) a SQLite database at path and applies
// the schema. An empty path opens an in-memory database, used as the
// degraded fallback when the real path is unusable (§6 "falls back to
// in-memory storage and emits RuntimeError{DbLost}").
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal connection pool semantics for write safety

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// OpenResilient implements the §7 "Database open failure is tolerated
// once" policy: a first failure to open path triggers a remove+recreate
// attempt; a second failure falls back to an in-memory store and
// reports degraded=true so the caller can emit RuntimeError{DbLost}.
func OpenResilient(ctx context.Context, path string) (store *Store, degraded bool, err error) {
	store, err = Open(ctx, path)
	if err == nil {
		return store, false, nil
	}
	if path == "" {
		return nil, false, err
	}

	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		store, memErr := Open(ctx, "")
		return store, true, multierr(err, rmErr, memErr)
	}

	store, err2 := Open(ctx, path)
	if err2 == nil {
		return store, false, nil
	}

	store, memErr := Open(ctx, "")
	return store, true, multierr(err, err2, memErr)
}

func multierr(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	return fmt.Errorf("storage degraded to in-memory: %w", nonNil[len(nonNil)-1])
}

// InsertTransfer creates the transfer row and its path rows in one
// transaction (§3 invariant 1: transfer row and path rows land
// together).
func (s *Store) InsertTransfer(ctx context.Context, t Transfer, paths []Path) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transfers (id, peer_ip, direction, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.PeerIP, t.Direction, t.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert transfer %s: %w", t.ID, err)
	}

	for _, p := range paths {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO paths (transfer_id, kind, file_id, relative_path, size, content_uri, source_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, p.Kind, p.FileID, p.RelativePath, p.Size, p.ContentURI, p.SourcePath)
		if err != nil {
			return fmt.Errorf("insert path %s/%s: %w", t.ID, p.FileID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) pathRowID(ctx context.Context, transferID, fileID string) (int64, error) {
	var rowid int64
	err := s.db.GetContext(ctx, &rowid,
		`SELECT rowid FROM paths WHERE transfer_id = ? AND file_id = ?`, transferID, fileID)
	if err != nil {
		return 0, fmt.Errorf("lookup path %s/%s: %w", transferID, fileID, err)
	}
	return rowid, nil
}

// LastPathEvent returns the most recent event recorded for (transferID,
// fileID), or ok=false if none yet exists.
func (s *Store) LastPathEvent(ctx context.Context, transferID, fileID string) (PathEvent, bool, error) {
	rowid, err := s.pathRowID(ctx, transferID, fileID)
	if err != nil {
		return PathEvent{}, false, err
	}

	var ev PathEvent
	var createdAtMs int64
	var byPeer int
	row := s.db.QueryRowxContext(ctx,
		`SELECT rowid, path_rowid, created_at, state, bytes, by_peer, status_code, final_path, base_dir_v
		 FROM path_events WHERE path_rowid = ? ORDER BY rowid DESC LIMIT 1`, rowid)
	err = row.Scan(&ev.RowID, &ev.PathRowID, &createdAtMs, &ev.State, &ev.Bytes, &byPeer, &ev.StatusCode, &ev.FinalPath, &ev.BaseDir)
	if err == sql.ErrNoRows {
		return PathEvent{}, false, nil
	}
	if err != nil {
		return PathEvent{}, false, fmt.Errorf("last path event %s/%s: %w", transferID, fileID, err)
	}
	ev.CreatedAt = time.UnixMilli(createdAtMs)
	ev.ByPeer = byPeer != 0
	return ev, true, nil
}

// AppendPathEvent records one event in a path's chronological log,
// refusing the append if the path is already terminal (§3 invariant 2:
// completed/rejected paths never accept started/progress/failed
// afterward).
func (s *Store) AppendPathEvent(ctx context.Context, transferID, fileID string, ev PathEvent) error {
	last, ok, err := s.LastPathEvent(ctx, transferID, fileID)
	if err != nil {
		return err
	}
	if ok && isTerminalPathState(last.State) {
		return fmt.Errorf("path %s/%s already terminal (%s): refusing %s", transferID, fileID, last.State, ev.State)
	}

	rowid, err := s.pathRowID(ctx, transferID, fileID)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO path_events (path_rowid, created_at, state, bytes, by_peer, status_code, final_path, base_dir_v)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rowid, time.Now().UnixMilli(), ev.State, ev.Bytes, boolToInt(ev.ByPeer), ev.StatusCode, ev.FinalPath, ev.BaseDir)
	if err != nil {
		return fmt.Errorf("append path event %s/%s: %w", transferID, fileID, err)
	}

	if ev.State == EventPending {
		_, err = s.db.ExecContext(ctx, `UPDATE paths SET base_dir = ? WHERE rowid = ?`, ev.BaseDir, rowid)
	} else if ev.Bytes > 0 {
		_, err = s.db.ExecContext(ctx, `UPDATE paths SET bytes_moved = ? WHERE rowid = ?`, ev.Bytes, rowid)
	}
	if err != nil {
		return fmt.Errorf("update path counters %s/%s: %w", transferID, fileID, err)
	}

	return nil
}

func isTerminalPathState(s PathEventState) bool {
	return s == EventCompleted || s == EventRejected
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AppendTransferEvent records a cancel/failed event in the
// transfer-level log.
func (s *Store) AppendTransferEvent(ctx context.Context, transferID string, ev TransferEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_events (transfer_id, created_at, state, by_peer, status_code) VALUES (?, ?, ?, ?, ?)`,
		transferID, time.Now().UnixMilli(), ev.State, boolToInt(ev.ByPeer), ev.StatusCode)
	if err != nil {
		return fmt.Errorf("append transfer event %s: %w", transferID, err)
	}
	return nil
}

// SaveInFlightIncoming persists the chosen temp base directory for an
// in-progress incoming file, so a crash-restart can find and clean up
// orphaned temp files.
func (s *Store) SaveInFlightIncoming(ctx context.Context, rec InFlightIncoming) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO in_flight_incoming (transfer_id, file_id, base_dir, temp_name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(transfer_id, file_id) DO UPDATE SET base_dir = excluded.base_dir, temp_name = excluded.temp_name`,
		rec.TransferID, rec.FileID, rec.BaseDir, rec.TempName)
	if err != nil {
		return fmt.Errorf("save in-flight incoming %s/%s: %w", rec.TransferID, rec.FileID, err)
	}
	return nil
}

func (s *Store) ClearInFlightIncoming(ctx context.Context, transferID, fileID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM in_flight_incoming WHERE transfer_id = ? AND file_id = ?`, transferID, fileID)
	if err != nil {
		return fmt.Errorf("clear in-flight incoming %s/%s: %w", transferID, fileID, err)
	}
	return nil
}

func (s *Store) ListInFlightIncoming(ctx context.Context) ([]InFlightIncoming, error) {
	var out []InFlightIncoming
	err := s.db.SelectContext(ctx, &out, `SELECT transfer_id, file_id, base_dir, temp_name FROM in_flight_incoming`)
	if err != nil {
		return nil, fmt.Errorf("list in-flight incoming: %w", err)
	}
	return out, nil
}

// CachedChecksum returns the cached full-file SHA-256 for (transferID,
// fileID), reused across resumes so a re-verify need not rehash bytes
// already confirmed good.
func (s *Store) CachedChecksum(ctx context.Context, transferID, fileID string) ([]byte, bool, error) {
	var sum []byte
	err := s.db.GetContext(ctx, &sum,
		`SELECT checksum FROM checksum_cache WHERE transfer_id = ? AND file_id = ?`, transferID, fileID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cached checksum %s/%s: %w", transferID, fileID, err)
	}
	return sum, true, nil
}

func (s *Store) PutCachedChecksum(ctx context.Context, transferID, fileID string, sum []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checksum_cache (transfer_id, file_id, checksum) VALUES (?, ?, ?)
		 ON CONFLICT(transfer_id, file_id) DO UPDATE SET checksum = excluded.checksum`,
		transferID, fileID, sum)
	if err != nil {
		return fmt.Errorf("put cached checksum %s/%s: %w", transferID, fileID, err)
	}
	return nil
}

// TransferSummary is one row of the transfers_since query result: a
// transfer plus its paths, assembled for the embedder's history view
// (§6 "Historical query: transfers_since").
type TransferSummary struct {
	Transfer Transfer
	Paths    []Path
}

// TransfersSince lists every transfer created at or after sinceMs,
// newest first.
func (s *Store) TransfersSince(ctx context.Context, sinceMs int64) ([]TransferSummary, error) {
	type transferRow struct {
		ID        string `db:"id"`
		PeerIP    string `db:"peer_ip"`
		Direction string `db:"direction"`
		CreatedAt int64  `db:"created_at"`
	}
	var raw []transferRow
	if err := s.db.SelectContext(ctx, &raw,
		`SELECT id, peer_ip, direction, created_at FROM transfers WHERE created_at >= ? ORDER BY created_at DESC`, sinceMs); err != nil {
		return nil, fmt.Errorf("list transfers since %d: %w", sinceMs, err)
	}

	out := make([]TransferSummary, 0, len(raw))
	for _, r := range raw {
		tr := Transfer{ID: r.ID, PeerIP: r.PeerIP, Direction: r.Direction, CreatedAt: time.UnixMilli(r.CreatedAt)}
		var paths []Path
		if err := s.db.SelectContext(ctx, &paths,
			`SELECT rowid, transfer_id, kind, file_id, relative_path, size, bytes_moved, content_uri, source_path, base_dir FROM paths WHERE transfer_id = ?`, r.ID); err != nil {
			return nil, fmt.Errorf("list paths for transfer %s: %w", r.ID, err)
		}
		out = append(out, TransferSummary{Transfer: tr, Paths: paths})
	}
	return out, nil
}

// PurgeTransfers deletes the named transfers and all of their durable
// records (§6 "purge: purge_transfers([ids])").
func (s *Store) PurgeTransfers(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if err := purgeOne(ctx, tx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PurgeTransfersUntil deletes every transfer created strictly before
// untilMs (§6 "purge_transfers_until(ms_epoch)").
func (s *Store) PurgeTransfersUntil(ctx context.Context, untilMs int64) error {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM transfers WHERE created_at < ?`, untilMs); err != nil {
		return fmt.Errorf("list transfers before %d: %w", untilMs, err)
	}
	return s.PurgeTransfers(ctx, ids)
}

func purgeOne(ctx context.Context, tx execContext, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM path_events WHERE path_rowid IN (SELECT rowid FROM paths WHERE transfer_id = ?)`, id); err != nil {
		return fmt.Errorf("purge path events for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM paths WHERE transfer_id = ?`, id); err != nil {
		return fmt.Errorf("purge paths for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_events WHERE transfer_id = ?`, id); err != nil {
		return fmt.Errorf("purge transfer events for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM in_flight_incoming WHERE transfer_id = ?`, id); err != nil {
		return fmt.Errorf("purge in-flight incoming for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checksum_cache WHERE transfer_id = ?`, id); err != nil {
		return fmt.Errorf("purge checksum cache for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("purge transfer %s: %w", id, err)
	}
	return nil
}

type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type retryRow struct {
	TransferID   string `db:"transfer_id"`
	PeerIP       string `db:"peer_ip"`
	FileID       string `db:"file_id"`
	RelativePath string `db:"relative_path"`
	Size         int64  `db:"size"`
	ContentURI   string `db:"content_uri"`
	SourcePath   string `db:"source_path"`
}

// nonTerminalPaths selects every path of a given kind whose last event
// is not completed/rejected, grouped by transfer in first-seen order.
func (s *Store) nonTerminalPaths(ctx context.Context, kind PathKind) ([]string, map[string]string, map[string][]retryRow, error) {
	var rows []retryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT p.transfer_id, t.peer_ip, p.file_id, p.relative_path, p.size, p.content_uri, p.source_path
		FROM paths p
		JOIN transfers t ON t.id = p.transfer_id
		WHERE p.kind = ?
		  AND p.rowid NOT IN (
		    SELECT path_rowid FROM path_events WHERE state IN ('completed', 'rejected')
		  )
		ORDER BY p.transfer_id, p.rowid
	`, string(kind))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list %s transfers to retry: %w", kind, err)
	}

	var order []string
	peers := make(map[string]string)
	grouped := make(map[string][]retryRow)
	for _, r := range rows {
		if _, seen := peers[r.TransferID]; !seen {
			order = append(order, r.TransferID)
		}
		peers[r.TransferID] = r.PeerIP
		grouped[r.TransferID] = append(grouped[r.TransferID], r)
	}
	return order, peers, grouped, nil
}

// IncomingTransfersToRetry reconstructs every incoming transfer whose
// files are not all terminal, for resume on startup.
func (s *Store) IncomingTransfersToRetry(ctx context.Context) ([]IncomingTransferToRetry, error) {
	order, peers, grouped, err := s.nonTerminalPaths(ctx, KindIncoming)
	if err != nil {
		return nil, err
	}

	out := make([]IncomingTransferToRetry, 0, len(order))
	for _, id := range order {
		files := make([]IncomingFileToRetry, 0, len(grouped[id]))
		for _, r := range grouped[id] {
			files = append(files, IncomingFileToRetry{FileID: r.FileID, SubPath: r.RelativePath, Size: r.Size})
		}
		out = append(out, IncomingTransferToRetry{ID: id, Peer: peers[id], Files: files})
	}
	return out, nil
}

// OutgoingTransfersToRetry reconstructs every outgoing transfer whose
// files are not all terminal, for resume on startup.
func (s *Store) OutgoingTransfersToRetry(ctx context.Context) ([]OutgoingTransferToRetry, error) {
	order, peers, grouped, err := s.nonTerminalPaths(ctx, KindOutgoing)
	if err != nil {
		return nil, err
	}

	out := make([]OutgoingTransferToRetry, 0, len(order))
	for _, id := range order {
		files := make([]OutgoingFileToRetry, 0, len(grouped[id]))
		for _, r := range grouped[id] {
			files = append(files, OutgoingFileToRetry{FileID: r.FileID, SubPath: r.RelativePath, ContentURI: r.ContentURI, SourcePath: r.SourcePath, Size: r.Size})
		}
		out = append(out, OutgoingTransferToRetry{ID: id, Peer: peers[id], Files: files})
	}
	return out, nil
}
