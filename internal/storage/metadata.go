package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/resumable-transcriber/internal/apperr"
	"github.com/codebuildervaibhav/resumable-transcriber/internal/types"
)

var log = logrus.WithField("component", "storage")

// MetadataDB handles SQLite database operations. A single connection
// serializes every write, so status checks inside a transaction see the
// latest committed state.
type MetadataDB struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS media_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	file_path TEXT NOT NULL,
	media_type TEXT NOT NULL DEFAULT 'audio',
	source TEXT NOT NULL,
	source_url TEXT,
	title TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS transcripts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	media_id INTEGER NOT NULL UNIQUE REFERENCES media_files(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	full_text TEXT,
	language TEXT,
	duration_seconds REAL,
	last_processed_chunk INTEGER NOT NULL DEFAULT 0,
	total_chunks INTEGER,
	estimated_seconds REAL,
	started_at DATETIME,
	completed_at DATETIME,
	error_message TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS transcript_segments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transcript_id INTEGER NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
	start_time REAL NOT NULL,
	end_time REAL NOT NULL,
	text TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_media_created_at ON media_files(created_at);
CREATE INDEX IF NOT EXISTS idx_transcripts_status ON transcripts(status);
CREATE INDEX IF NOT EXISTS idx_segments_transcript_start ON transcript_segments(transcript_id, start_time);
`

// NewMetadataDB opens (and migrates) the database at dbPath
func NewMetadataDB(dbPath string) (*MetadataDB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &MetadataDB{db: db}, nil
}

// Close closes the database connection
func (mdb *MetadataDB) Close() error {
	return mdb.db.Close()
}

// --- media ---

// CreateMedia inserts a media row and fills in its ID and CreatedAt.
func (mdb *MetadataDB) CreateMedia(ctx context.Context, m *types.Media) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := mdb.db.ExecContext(ctx, `
	INSERT INTO media_files (filename, original_filename, file_path, media_type, source, source_url, title, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Filename, m.OriginalFilename, m.FilePath, m.MediaType, m.Source,
		nullString(m.SourceURL), nullString(m.Title), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save media: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read media id: %w", err)
	}
	return nil
}

const mediaColumns = `id, filename, original_filename, file_path, media_type, source, COALESCE(source_url, ''), COALESCE(title, ''), created_at`

func scanMedia(row interface{ Scan(...any) error }) (*types.Media, error) {
	var m types.Media
	if err := row.Scan(&m.ID, &m.Filename, &m.OriginalFilename, &m.FilePath, &m.MediaType,
		&m.Source, &m.SourceURL, &m.Title, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMedia retrieves a media row by ID
func (mdb *MetadataDB) GetMedia(ctx context.Context, id int64) (*types.Media, error) {
	row := mdb.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_files WHERE id = ?`, id)
	m, err := scanMedia(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("media %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media: %w", err)
	}
	return m, nil
}

// ListMedia returns media rows, newest first
func (mdb *MetadataDB) ListMedia(ctx context.Context, limit, offset int) ([]types.Media, error) {
	rows, err := mdb.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media_files ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	defer rows.Close()

	media := make([]types.Media, 0)
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		media = append(media, *m)
	}
	return media, rows.Err()
}

// UpdateMediaFile records where a downloaded source landed.
func (mdb *MetadataDB) UpdateMediaFile(ctx context.Context, id int64, filePath, filename, title string) error {
	_, err := mdb.db.ExecContext(ctx, `
	UPDATE media_files SET file_path = ?, filename = ?, title = COALESCE(NULLIF(?, ''), title)
	WHERE id = ?`, filePath, filename, title, id)
	if err != nil {
		return fmt.Errorf("failed to update media file: %w", err)
	}
	return nil
}

// DeleteMedia removes a media row with its transcript and segments.
func (mdb *MetadataDB) DeleteMedia(ctx context.Context, id int64) error {
	tx, err := mdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	DELETE FROM transcript_segments
	WHERE transcript_id IN (SELECT id FROM transcripts WHERE media_id = ?)`, id); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transcripts WHERE media_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM media_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete media: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("media %d not found", id)
	}
	return tx.Commit()
}

// --- transcripts ---

const transcriptColumns = `id, media_id, status, COALESCE(full_text, ''), COALESCE(language, ''),
	duration_seconds, last_processed_chunk, total_chunks, estimated_seconds,
	started_at, completed_at, COALESCE(error_message, ''), created_at, updated_at`

func scanTranscript(row interface{ Scan(...any) error }) (*types.Transcript, error) {
	var (
		t          types.Transcript
		status     string
		duration   sql.NullFloat64
		total      sql.NullInt64
		estimated  sql.NullFloat64
		startedAt  sql.NullTime
		completeAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.MediaID, &status, &t.FullText, &t.Language,
		&duration, &t.LastProcessedChunk, &total, &estimated,
		&startedAt, &completeAt, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = types.Status(status)
	if duration.Valid {
		t.DurationSeconds = &duration.Float64
	}
	if total.Valid {
		n := int(total.Int64)
		t.TotalChunks = &n
	}
	if estimated.Valid {
		t.EstimatedSeconds = &estimated.Float64
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completeAt.Valid {
		t.CompletedAt = &completeAt.Time
	}
	return &t, nil
}

// EnsureTranscript returns the media's transcript, creating it with the
// given initial status when it does not exist yet.
func (mdb *MetadataDB) EnsureTranscript(ctx context.Context, mediaID int64, initial types.Status) (*types.Transcript, error) {
	now := time.Now()
	if _, err := mdb.db.ExecContext(ctx, `
	INSERT OR IGNORE INTO transcripts (media_id, status, last_processed_chunk, created_at, updated_at)
	VALUES (?, ?, 0, ?, ?)`, mediaID, string(initial), now, now); err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}
	return mdb.GetTranscriptByMedia(ctx, mediaID)
}

// GetTranscript retrieves a transcript by its own ID
func (mdb *MetadataDB) GetTranscript(ctx context.Context, id int64) (*types.Transcript, error) {
	row := mdb.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts WHERE id = ?`, id)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("transcript %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	return t, nil
}

// GetTranscriptByMedia retrieves the transcript of a media file
func (mdb *MetadataDB) GetTranscriptByMedia(ctx context.Context, mediaID int64) (*types.Transcript, error) {
	row := mdb.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts WHERE media_id = ?`, mediaID)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("transcript for media %d not found", mediaID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	return t, nil
}

// ListTranscripts returns transcripts, newest first
func (mdb *MetadataDB) ListTranscripts(ctx context.Context, limit, offset int) ([]types.Transcript, error) {
	rows, err := mdb.db.QueryContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	return collectTranscripts(rows)
}

// ListTranscriptsByStatus returns every transcript in one of the statuses
func (mdb *MetadataDB) ListTranscriptsByStatus(ctx context.Context, statuses ...types.Status) ([]types.Transcript, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := statusIn(statuses)
	rows, err := mdb.db.QueryContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE status IN (`+in+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts by status: %w", err)
	}
	return collectTranscripts(rows)
}

func collectTranscripts(rows *sql.Rows) ([]types.Transcript, error) {
	defer rows.Close()
	transcripts := make([]types.Transcript, 0)
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		transcripts = append(transcripts, *t)
	}
	return transcripts, rows.Err()
}

// GetStatus reads the live status of a media's transcript.
func (mdb *MetadataDB) GetStatus(ctx context.Context, mediaID int64) (types.Status, error) {
	var status string
	err := mdb.db.QueryRowContext(ctx, `SELECT status FROM transcripts WHERE media_id = ?`, mediaID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("transcript for media %d not found", mediaID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	return types.Status(status), nil
}

// TransitionStatus moves a transcript to `to` only if it is currently in one
// of `from`, in a single statement. It reports whether the row changed.
func (mdb *MetadataDB) TransitionStatus(ctx context.Context, mediaID int64, from []types.Status, to types.Status, message string) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	in, args := statusIn(from)
	query := `UPDATE transcripts SET status = ?, error_message = ?, updated_at = ?
	WHERE media_id = ? AND status IN (` + in + `)`
	params := append([]any{string(to), nullString(message), time.Now(), mediaID}, args...)

	res, err := mdb.db.ExecContext(ctx, query, params...)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	return n > 0, nil
}

// ResetForRun puts a transcript back to PENDING for a new run. With
// keepProgress the checkpoint is retained and the run resumes; otherwise the
// run starts from the first chunk.
func (mdb *MetadataDB) ResetForRun(ctx context.Context, mediaID int64, keepProgress bool) error {
	query := `UPDATE transcripts SET status = ?, error_message = NULL, estimated_seconds = NULL,
		completed_at = NULL, full_text = NULL, updated_at = ?`
	if !keepProgress {
		query += `, last_processed_chunk = 0, total_chunks = NULL, duration_seconds = NULL, language = NULL`
	}
	query += ` WHERE media_id = ?`

	res, err := mdb.db.ExecContext(ctx, query, string(types.StatusPending), time.Now(), mediaID)
	if err != nil {
		return fmt.Errorf("failed to reset transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("transcript for media %d not found", mediaID)
	}
	return nil
}

// MarkProcessing records the start of a processing attempt. Only a PENDING
// transcript may start: a cancelled one is reported as apperr.ErrCancelled,
// any other status as apperr.ErrConflict.
func (mdb *MetadataDB) MarkProcessing(ctx context.Context, mediaID int64, startedAt time.Time) error {
	res, err := mdb.db.ExecContext(ctx, `
	UPDATE transcripts SET status = ?, started_at = ?, completed_at = NULL, error_message = NULL, updated_at = ?
	WHERE media_id = ? AND status = ?`,
		string(types.StatusProcessing), startedAt, startedAt, mediaID, string(types.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to mark processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		status, err := mdb.GetStatus(ctx, mediaID)
		if err != nil {
			return err
		}
		if status == types.StatusCanceled {
			return apperr.Cancelled("transcript for media %d is %s", mediaID, status)
		}
		return apperr.Conflict("transcript for media %d is %s, not PENDING", mediaID, status)
	}
	return nil
}

// SetTotalChunks persists the chunk count of the current split.
func (mdb *MetadataDB) SetTotalChunks(ctx context.Context, mediaID int64, total int) error {
	_, err := mdb.db.ExecContext(ctx, `UPDATE transcripts SET total_chunks = ?, updated_at = ? WHERE media_id = ?`,
		total, time.Now(), mediaID)
	if err != nil {
		return fmt.Errorf("failed to set total chunks: %w", err)
	}
	return nil
}

// Checkpoint durably records one finished chunk: its segments, the new
// last_processed_chunk and the remaining-time estimate, in one transaction.
// It refuses to write once the transcript has left PROCESSING, or past
// total_chunks.
func (mdb *MetadataDB) Checkpoint(ctx context.Context, mediaID int64, segments []types.Segment, lastProcessed int, estimatedSeconds float64) error {
	tx, err := mdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	var (
		transcriptID int64
		status       string
		total        sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `SELECT id, status, total_chunks FROM transcripts WHERE media_id = ?`, mediaID).
		Scan(&transcriptID, &status, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("transcript for media %d not found", mediaID)
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	switch types.Status(status) {
	case types.StatusProcessing:
	case types.StatusCanceled:
		return apperr.Cancelled("transcript for media %d was cancelled", mediaID)
	default:
		return apperr.Conflict("transcript for media %d is %s, not PROCESSING", mediaID, status)
	}
	if total.Valid && int64(lastProcessed) > total.Int64 {
		return apperr.Validation("chunk %d is past the last chunk %d", lastProcessed, total.Int64)
	}

	if len(segments) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO transcript_segments (transcript_id, start_time, end_time, text) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare segment insert: %w", err)
		}
		defer stmt.Close()
		for _, seg := range segments {
			if _, err := stmt.ExecContext(ctx, transcriptID, seg.StartTime, seg.EndTime, seg.Text); err != nil {
				return fmt.Errorf("failed to insert segment: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
	UPDATE transcripts SET last_processed_chunk = MAX(last_processed_chunk, ?), estimated_seconds = ?, updated_at = ?
	WHERE id = ?`, lastProcessed, estimatedSeconds, time.Now(), transcriptID); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Complete finalizes a PROCESSING transcript.
func (mdb *MetadataDB) Complete(ctx context.Context, mediaID int64, fullText, language string, duration float64, completedAt time.Time) error {
	res, err := mdb.db.ExecContext(ctx, `
	UPDATE transcripts SET status = ?, full_text = ?, language = ?, duration_seconds = ?,
		completed_at = ?, estimated_seconds = NULL, error_message = NULL, updated_at = ?
	WHERE media_id = ? AND status = ?`,
		string(types.StatusCompleted), fullText, nullString(language), duration,
		completedAt, completedAt, mediaID, string(types.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to complete transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		status, err := mdb.GetStatus(ctx, mediaID)
		if err != nil {
			return err
		}
		if status == types.StatusCanceled {
			return apperr.Cancelled("transcript for media %d was cancelled", mediaID)
		}
		return apperr.Conflict("transcript for media %d is %s, not PROCESSING", mediaID, status)
	}
	return nil
}

// Fail marks a transcript FAILED. A CANCELED transcript keeps its status.
func (mdb *MetadataDB) Fail(ctx context.Context, mediaID int64, message string) error {
	_, err := mdb.db.ExecContext(ctx, `
	UPDATE transcripts SET status = ?, error_message = ?, estimated_seconds = NULL, updated_at = ?
	WHERE media_id = ? AND status != ?`,
		string(types.StatusFailed), message, time.Now(), mediaID, string(types.StatusCanceled))
	if err != nil {
		return fmt.Errorf("failed to mark transcript failed: %w", err)
	}
	return nil
}

// --- segments ---

// DeleteSegments removes every stored segment of a media's transcript.
func (mdb *MetadataDB) DeleteSegments(ctx context.Context, mediaID int64) error {
	_, err := mdb.db.ExecContext(ctx, `
	DELETE FROM transcript_segments
	WHERE transcript_id IN (SELECT id FROM transcripts WHERE media_id = ?)`, mediaID)
	if err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}
	return nil
}

// ListSegments returns a media's segments in start-time order.
func (mdb *MetadataDB) ListSegments(ctx context.Context, mediaID int64) ([]types.Segment, error) {
	rows, err := mdb.db.QueryContext(ctx, `
	SELECT s.id, s.start_time, s.end_time, s.text
	FROM transcript_segments s JOIN transcripts t ON t.id = s.transcript_id
	WHERE t.media_id = ?
	ORDER BY s.start_time, s.id`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]types.Segment, 0)
	for rows.Next() {
		var seg types.Segment
		if err := rows.Scan(&seg.ID, &seg.StartTime, &seg.EndTime, &seg.Text); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func statusIn(statuses []types.Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(marks, ", "), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
