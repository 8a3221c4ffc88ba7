package imganalyzer

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB is the analysis journal: which images of a vault exist, which were
// described, by whom and when. Descriptions themselves are served from the
// cache, the journal is for bulk runs and history.
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

type Image struct {
	Id          int
	Path        string
	PathMTime   sql.NullTime
	Description string
	Describer   string
	Model       string
	Attempts    int
	LastError   string
	AttemptedAt sql.NullTime
	ProcessedAt sql.NullTime
}

// ImagePath is an image found on disk.
type ImagePath struct {
	Path    string
	Modtime time.Time
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if fname == ":memory:" {
		// Every connection would get its own empty database
		sqldb.SetMaxOpenConns(1)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

// InsertImagePaths registers images found on disk, ignoring those already
// known. Returns the number of new rows.
func (db *DB) InsertImagePaths(ctx context.Context, images []ImagePath, batchSize int) (int, error) {
	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	start := 0
	affected := 0
	for start < len(images) {
		end := min(start+batchSize, len(images))

		qsb := strings.Builder{}
		qsb.WriteString("INSERT OR IGNORE INTO images (image_path, image_mtime) VALUES")
		values := make([]any, 0, batchSize*2)
		for idx, img := range images[start:end] {
			if idx > 0 {
				qsb.WriteString(",")
			}
			qsb.WriteString(" ($")
			qsb.WriteString(strconv.Itoa(idx*2 + 1))
			qsb.WriteString(",$")
			qsb.WriteString(strconv.Itoa(idx*2 + 2))
			qsb.WriteString(")")

			values = append(values, img.Path, img.Modtime)
		}

		res, err := txn.ExecContext(ctx, qsb.String(), values...)
		if err != nil {
			return 0, err
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += int(ra)
		start = end
	}

	return affected, txn.Commit()
}

const imageColumns = `id, image_path, image_mtime, COALESCE(image_description, ''),
	COALESCE(describer, ''), COALESCE(model, ''), attempts, COALESCE(last_error, ''),
	attempted_at, processed_at`

func scanImage(row interface{ Scan(...any) error }) (*Image, error) {
	img := &Image{}
	err := row.Scan(
		&img.Id,
		&img.Path,
		&img.PathMTime,
		&img.Description,
		&img.Describer,
		&img.Model,
		&img.Attempts,
		&img.LastError,
		&img.AttemptedAt,
		&img.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (db *DB) queryImages(ctx context.Context, query string, args ...any) ([]*Image, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning images: %w", err)
		}
		images = append(images, img)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating images: %w", err)
	}

	return images, nil
}

// ImagesToDescribe returns the images that lack a description and were
// attempted fewer than maxAttempts times.
func (db *DB) ImagesToDescribe(ctx context.Context, maxAttempts int) ([]*Image, error) {
	return db.queryImages(ctx,
		"SELECT "+imageColumns+" FROM images WHERE processed_at IS NULL AND attempts < $1 ORDER BY id",
		maxAttempts)
}

// GetImage looks up an image by vault path. Returns sql.ErrNoRows if the
// image was never seen.
func (db *DB) GetImage(ctx context.Context, path string) (*Image, error) {
	row := db.db.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM images WHERE image_path=$1", path)
	return scanImage(row)
}

// History returns the most recently attempted images, newest first.
func (db *DB) History(ctx context.Context, limit int) ([]*Image, error) {
	return db.queryImages(ctx,
		"SELECT "+imageColumns+" FROM images WHERE attempted_at IS NOT NULL ORDER BY attempted_at DESC, id DESC LIMIT $1",
		limit)
}

// RecordSuccess stores a description for path, creating the row if needed.
func (db *DB) RecordSuccess(ctx context.Context, path, description, describer, model string, at time.Time) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO images (image_path, image_description, describer, model, attempts, last_error, attempted_at, processed_at)
		VALUES ($1, $2, $3, $4, 1, NULL, $5, $5)
		ON CONFLICT (image_path) DO UPDATE SET
			image_description=excluded.image_description,
			describer=excluded.describer,
			model=excluded.model,
			attempts=images.attempts+1,
			last_error=NULL,
			attempted_at=excluded.attempted_at,
			processed_at=excluded.processed_at`,
		path, description, describer, model, at)
	return err
}

// RecordFailure notes a failed attempt for path. An earlier description is
// kept.
func (db *DB) RecordFailure(ctx context.Context, path, describer, model string, at time.Time, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO images (image_path, describer, model, attempts, last_error, attempted_at)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (image_path) DO UPDATE SET
			describer=excluded.describer,
			model=excluded.model,
			attempts=images.attempts+1,
			last_error=excluded.last_error,
			attempted_at=excluded.attempted_at`,
		path, describer, model, msg, at)
	return err
}

// ResetImage forgets the description of path so the next bulk run analyzes
// it again.
func (db *DB) ResetImage(ctx context.Context, path string) error {
	_, err := db.db.ExecContext(ctx,
		"UPDATE images SET image_description=NULL, processed_at=NULL, attempts=0, last_error=NULL WHERE image_path=$1",
		path)
	return err
}

// ResetAll forgets every description.
func (db *DB) ResetAll(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx,
		"UPDATE images SET image_description=NULL, processed_at=NULL, attempts=0, last_error=NULL")
	return err
}

func (db *DB) RemoveImage(ctx context.Context, path string) error {
	_, err := db.db.ExecContext(ctx, "DELETE FROM images WHERE image_path=$1", path)
	return err
}

// CountImages returns the number of known and of described images.
func (db *DB) CountImages(ctx context.Context) (total, described int, err error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(processed_at) FROM images`)
	if err := row.Scan(&total, &described); err != nil {
		return 0, 0, err
	}

	return total, described, nil
}
