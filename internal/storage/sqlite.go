package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout keeps a fixed width (nine fraction digits, always UTC) so the
// lexicographic string comparisons in range queries and ORDER BY match
// chronological order. RFC3339Nano strips trailing zeros, which breaks that
// for sub-second timestamps sharing a boundary second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database with methods for chunks, batches,
// observations, and timeline cards. It is the single serialized access path
// to durable state: the connection pool is capped at one connection, so all
// reads and writes are funneled through one place regardless of which
// goroutine calls in.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "retrace.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: serializes all storage access and avoids
	// "database is locked" errors from the capture and analysis goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Chunks ---

// SaveChunk inserts a chunk record. Chunks are created in pending status when
// the capture orchestrator opens a segment.
func (s *Store) SaveChunk(c Chunk) error {
	status := c.Status
	if status == "" {
		status = ChunkPending
	}
	_, err := s.db.Exec(`
		INSERT INTO chunks (id, file_path, start_time, end_time, status, batch_id, file_size)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		c.ID, c.FilePath, c.StartTime.UTC().Format(timeLayout), c.EndTime.UTC().Format(timeLayout),
		status, c.BatchID, c.FileSize,
	)
	return err
}

// MarkChunkCompleted finalizes a chunk with its real end time and file size.
func (s *Store) MarkChunkCompleted(id string, endTime time.Time, fileSize int64) error {
	res, err := s.db.Exec(`UPDATE chunks SET status = ?, end_time = ?, file_size = ? WHERE id = ?`,
		ChunkCompleted, endTime.UTC().Format(timeLayout), fileSize, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkChunkFailed marks a chunk as terminally failed.
func (s *Store) MarkChunkFailed(id string) error {
	res, err := s.db.Exec(`UPDATE chunks SET status = ? WHERE id = ?`, ChunkFailed, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetChunk returns a single chunk by ID.
func (s *Store) GetChunk(id string) (Chunk, error) {
	row := s.db.QueryRow(`
		SELECT id, file_path, start_time, end_time, status, COALESCE(batch_id, ''), file_size
		FROM chunks WHERE id = ? AND deleted_at IS NULL`, id)
	return scanChunk(row)
}

// UnassignedChunks returns completed chunks that have not been grouped into a
// batch yet, ordered by start time. This is the batch scheduler's scan.
func (s *Store) UnassignedChunks() ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, file_path, start_time, end_time, status, COALESCE(batch_id, ''), file_size
		FROM chunks
		WHERE status = ? AND batch_id IS NULL AND deleted_at IS NULL
		ORDER BY start_time ASC`, ChunkCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunksByBatch returns the chunks assigned to a batch, ordered by start time.
func (s *Store) ChunksByBatch(batchID string) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, file_path, start_time, end_time, status, COALESCE(batch_id, ''), file_size
		FROM chunks WHERE batch_id = ? AND deleted_at IS NULL
		ORDER BY start_time ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// RecentChunks returns the most recent chunks, newest first.
func (s *Store) RecentChunks(limit int) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, file_path, start_time, end_time, status, COALESCE(batch_id, ''), file_size
		FROM chunks WHERE deleted_at IS NULL
		ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// SoftDeleteChunksBefore marks chunks older than cutoff as deleted and
// returns their file paths so the caller can remove the segment files. The
// select and the update run in one transaction: every row marked deleted has
// its path in the returned slice.
func (s *Store) SoftDeleteChunksBefore(cutoff time.Time) ([]string, error) {
	now := time.Now().UTC().Format(timeLayout)
	cut := cutoff.UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT file_path FROM chunks WHERE end_time < ? AND deleted_at IS NULL`, cut)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE chunks SET deleted_at = ? WHERE end_time < ? AND deleted_at IS NULL`, now, cut); err != nil {
		return nil, err
	}
	return paths, tx.Commit()
}

// --- Batches ---

// SaveBatch inserts a batch and assigns its chunks in one transaction.
// A chunk that already belongs to another batch aborts the whole assignment
// with ErrChunkAssigned; a batch is never partially written.
func (s *Store) SaveBatch(b Batch) error {
	now := time.Now().UTC().Format(timeLayout)
	status := b.Status
	if status == "" {
		status = BatchPending
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning batch transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO batches (id, start_time, end_time, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?)`,
		b.ID, b.StartTime.UTC().Format(timeLayout), b.EndTime.UTC().Format(timeLayout),
		status, now, now,
	); err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}

	for _, chunkID := range b.ChunkIDs {
		res, err := tx.Exec(`UPDATE chunks SET batch_id = ? WHERE id = ? AND batch_id IS NULL`, b.ID, chunkID)
		if err != nil {
			return fmt.Errorf("assigning chunk %s: %w", chunkID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("chunk %s: %w", chunkID, ErrChunkAssigned)
		}
	}

	return tx.Commit()
}

// GetBatch returns a batch with its chunk IDs.
func (s *Store) GetBatch(id string) (Batch, error) {
	var b Batch
	var start, end string
	err := s.db.QueryRow(`
		SELECT id, start_time, end_time, status, last_error
		FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, &start, &end, &b.Status, &b.LastError)
	if err == sql.ErrNoRows {
		return Batch{}, ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	if b.StartTime, err = time.Parse(timeLayout, start); err != nil {
		return Batch{}, fmt.Errorf("parsing start_time: %w", err)
	}
	if b.EndTime, err = time.Parse(timeLayout, end); err != nil {
		return Batch{}, fmt.Errorf("parsing end_time: %w", err)
	}
	if b.ChunkIDs, err = s.batchChunkIDs(id); err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (s *Store) batchChunkIDs(batchID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM chunks WHERE batch_id = ? ORDER BY start_time ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimNextBatch atomically moves the oldest pending batch to processing and
// returns it. Returns nil when no batch is pending.
func (s *Store) ClaimNextBatch() (*Batch, error) {
	now := time.Now().UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var b Batch
	var start, end string
	err = tx.QueryRow(`
		SELECT id, start_time, end_time, last_error FROM batches
		WHERE status = ? ORDER BY start_time ASC LIMIT 1`, BatchPending,
	).Scan(&b.ID, &start, &end, &b.LastError)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next batch: %w", err)
	}

	res, err := tx.Exec(`UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		BatchProcessing, now, b.ID, BatchPending)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	b.Status = BatchProcessing
	if b.StartTime, err = time.Parse(timeLayout, start); err != nil {
		return nil, fmt.Errorf("parsing start_time for batch %s: %w", b.ID, err)
	}
	if b.EndTime, err = time.Parse(timeLayout, end); err != nil {
		return nil, fmt.Errorf("parsing end_time for batch %s: %w", b.ID, err)
	}
	if b.ChunkIDs, err = s.batchChunkIDs(b.ID); err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBatchStatus sets a batch's status and last error message.
func (s *Store) UpdateBatchStatus(id string, status BatchStatus, lastError string) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec(`UPDATE batches SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ResetBatch returns a failed batch to pending so it can be reprocessed.
func (s *Store) ResetBatch(id string) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec(`UPDATE batches SET status = ?, last_error = '', updated_at = ? WHERE id = ? AND status = ?`,
		BatchPending, now, id, BatchFailed)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecentBatches returns the most recent batches, newest first.
func (s *Store) RecentBatches(limit int) ([]Batch, error) {
	rows, err := s.db.Query(`
		SELECT id, start_time, end_time, status, last_error
		FROM batches ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var start, end string
		if err := rows.Scan(&b.ID, &start, &end, &b.Status, &b.LastError); err != nil {
			return nil, err
		}
		if b.StartTime, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("parsing start_time: %w", err)
		}
		if b.EndTime, err = time.Parse(timeLayout, end); err != nil {
			return nil, fmt.Errorf("parsing end_time: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// --- Observations ---

// SaveObservations appends a set of observations in one transaction.
func (s *Store) SaveObservations(obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning observation transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	for _, o := range obs {
		created := now
		if !o.CreatedAt.IsZero() {
			created = o.CreatedAt.UTC().Format(timeLayout)
		}
		if _, err := tx.Exec(`
			INSERT INTO observations (id, batch_id, start_time, end_time, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			o.ID, o.BatchID, o.StartTime.UTC().Format(timeLayout), o.EndTime.UTC().Format(timeLayout),
			o.Text, created,
		); err != nil {
			return fmt.Errorf("inserting observation %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// ObservationsInRange returns observations overlapping [from, to), ordered by
// start time. This backs the sliding-window context for card generation.
func (s *Store) ObservationsInRange(from, to time.Time) ([]Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, batch_id, start_time, end_time, text, created_at
		FROM observations
		WHERE start_time < ? AND end_time > ?
		ORDER BY start_time ASC`,
		to.UTC().Format(timeLayout), from.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var obs []Observation
	for rows.Next() {
		var o Observation
		var start, end, created string
		if err := rows.Scan(&o.ID, &o.BatchID, &start, &end, &o.Text, &created); err != nil {
			return nil, err
		}
		if o.StartTime, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("parsing start_time: %w", err)
		}
		if o.EndTime, err = time.Parse(timeLayout, end); err != nil {
			return nil, fmt.Errorf("parsing end_time: %w", err)
		}
		if o.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// --- Cards ---

// CardsInRange returns timeline cards overlapping [from, to), ordered by
// start time.
func (s *Store) CardsInRange(from, to time.Time) ([]Card, error) {
	rows, err := s.db.Query(`
		SELECT id, start_time, end_time, title, summary, category, media_ref, metadata, created_at
		FROM cards
		WHERE start_time < ? AND end_time > ?
		ORDER BY start_time ASC`,
		to.UTC().Format(timeLayout), from.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCards(rows)
}

// ReplaceCardsInRange deletes every card intersecting [from, to), inserts the
// replacement set, and returns the media refs of the removed cards so the
// caller can clean up timelapse files. The operation is a single transaction;
// a partial replace is never observable.
func (s *Store) ReplaceCardsInRange(from, to time.Time, cards []Card) ([]string, error) {
	fromStr := from.UTC().Format(timeLayout)
	toStr := to.UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT media_ref FROM cards WHERE start_time < ? AND end_time > ? AND media_ref != ''`,
		toStr, fromStr)
	if err != nil {
		return nil, fmt.Errorf("selecting removed media refs: %w", err)
	}
	var removed []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return nil, err
		}
		removed = append(removed, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM cards WHERE start_time < ? AND end_time > ?`, toStr, fromStr); err != nil {
		return nil, fmt.Errorf("deleting cards in range: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	for _, c := range cards {
		metadata := c.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := tx.Exec(`
			INSERT INTO cards (id, start_time, end_time, title, summary, category, media_ref, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.StartTime.UTC().Format(timeLayout), c.EndTime.UTC().Format(timeLayout),
			c.Title, c.Summary, c.Category, c.MediaRef, metadata, now,
		); err != nil {
			return nil, fmt.Errorf("inserting card %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing replace: %w", err)
	}
	return removed, nil
}

// SetCardMediaRef attaches a timelapse artifact to an existing card.
func (s *Store) SetCardMediaRef(id, mediaRef string) error {
	res, err := s.db.Exec(`UPDATE cards SET media_ref = ? WHERE id = ?`, mediaRef, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (Chunk, error) {
	var c Chunk
	var start, end string
	err := row.Scan(&c.ID, &c.FilePath, &start, &end, &c.Status, &c.BatchID, &c.FileSize)
	if err == sql.ErrNoRows {
		return Chunk{}, ErrNotFound
	}
	if err != nil {
		return Chunk{}, err
	}
	if c.StartTime, err = time.Parse(timeLayout, start); err != nil {
		return Chunk{}, fmt.Errorf("parsing start_time: %w", err)
	}
	if c.EndTime, err = time.Parse(timeLayout, end); err != nil {
		return Chunk{}, fmt.Errorf("parsing end_time: %w", err)
	}
	return c, nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanCards(rows *sql.Rows) ([]Card, error) {
	var cards []Card
	for rows.Next() {
		var c Card
		var start, end, created string
		if err := rows.Scan(&c.ID, &start, &end, &c.Title, &c.Summary, &c.Category, &c.MediaRef, &c.Metadata, &created); err != nil {
			return nil, err
		}
		var err error
		if c.StartTime, err = time.Parse(timeLayout, start); err != nil {
			return nil, fmt.Errorf("parsing start_time: %w", err)
		}
		if c.EndTime, err = time.Parse(timeLayout, end); err != nil {
			return nil, fmt.Errorf("parsing end_time: %w", err)
		}
		if c.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
