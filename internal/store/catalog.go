package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"github.com/keagan/shotscope/pkg/util"
)

// CatalogRecord is the stored summary of one analysis run, keyed by
// directory path and video identifier. Shot data itself lives in the
// features file next to the video; the catalog only tracks which videos have
// results and under which options they were produced.
type CatalogRecord struct {
	Dir           string
	VideoID       string
	AnalyzedAt    time.Time
	VideoDuration float64
	Threshold     float64
	ScaledSize    int
	Embedding     bool
	ShotCount     int
	FeaturesFile  string
}

// Catalog is a sqlite-backed map of analyzed videos. Re-running analysis for
// a video replaces its prior record.
type Catalog struct {
	logger zerolog.Logger
	db     *sql.DB
}

// OpenCatalog opens (creating if needed) the catalog database at path.
func OpenCatalog(logger zerolog.Logger, path string) (*Catalog, error) {
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS analyses (
		dir            TEXT NOT NULL,
		video_id       TEXT NOT NULL,
		analyzed_at    TIMESTAMP NOT NULL,
		video_duration REAL NOT NULL,
		threshold      REAL NOT NULL,
		scaled_size    INTEGER NOT NULL,
		embedding      INTEGER NOT NULL,
		shot_count     INTEGER NOT NULL,
		features_file  TEXT NOT NULL,
		PRIMARY KEY (dir, video_id)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	return &Catalog{
		logger: logger.With().Str("component", "catalog").Logger(),
		db:     db,
	}, nil
}

// Save upserts the record for (dir, videoID).
func (c *Catalog) Save(rec CatalogRecord) error {
	_, err := c.db.Exec(`
		INSERT INTO analyses
			(dir, video_id, analyzed_at, video_duration, threshold, scaled_size, embedding, shot_count, features_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dir, video_id) DO UPDATE SET
			analyzed_at = excluded.analyzed_at,
			video_duration = excluded.video_duration,
			threshold = excluded.threshold,
			scaled_size = excluded.scaled_size,
			embedding = excluded.embedding,
			shot_count = excluded.shot_count,
			features_file = excluded.features_file`,
		rec.Dir, rec.VideoID, rec.AnalyzedAt, rec.VideoDuration,
		rec.Threshold, rec.ScaledSize, boolToInt(rec.Embedding),
		rec.ShotCount, rec.FeaturesFile)
	if err != nil {
		return fmt.Errorf("failed to save catalog record: %w", err)
	}
	return nil
}

// Load returns the record for (dir, videoID), or nil when absent.
func (c *Catalog) Load(dir, videoID string) (*CatalogRecord, error) {
	row := c.db.QueryRow(`
		SELECT dir, video_id, analyzed_at, video_duration, threshold, scaled_size, embedding, shot_count, features_file
		FROM analyses WHERE dir = ? AND video_id = ?`, dir, videoID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog record: %w", err)
	}
	return rec, nil
}

// Delete removes the record for (dir, videoID). Absent records are not an
// error.
func (c *Catalog) Delete(dir, videoID string) error {
	if _, err := c.db.Exec(`DELETE FROM analyses WHERE dir = ? AND video_id = ?`, dir, videoID); err != nil {
		return fmt.Errorf("failed to delete catalog record: %w", err)
	}
	return nil
}

// List returns every record under dir, ordered by video identifier.
func (c *Catalog) List(dir string) ([]CatalogRecord, error) {
	rows, err := c.db.Query(`
		SELECT dir, video_id, analyzed_at, video_duration, threshold, scaled_size, embedding, shot_count, features_file
		FROM analyses WHERE dir = ? ORDER BY video_id`, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog records: %w", err)
	}
	defer rows.Close()

	var recs []CatalogRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan catalog record: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*CatalogRecord, error) {
	var rec CatalogRecord
	var embedding int
	err := row.Scan(&rec.Dir, &rec.VideoID, &rec.AnalyzedAt, &rec.VideoDuration,
		&rec.Threshold, &rec.ScaledSize, &embedding, &rec.ShotCount, &rec.FeaturesFile)
	if err != nil {
		return nil, err
	}
	rec.Embedding = embedding != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
