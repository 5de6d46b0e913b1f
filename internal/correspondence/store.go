package correspondence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/golang/geo/r2"
	_ "modernc.org/sqlite"
)

// Store persists keypoints and verified matches produced by an external
// feature matcher.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates a correspondence database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open correspondence database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma failed: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS keypoints (
			image_id TEXT NOT NULL,
			detector TEXT NOT NULL,
			idx INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			descriptor_ref INTEGER,
			PRIMARY KEY (image_id, detector, idx)
		);
		CREATE TABLE IF NOT EXISTS matches (
			image1 TEXT NOT NULL,
			image2 TEXT NOT NULL,
			detector TEXT NOT NULL,
			idx1 INTEGER NOT NULL,
			idx2 INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS matches_pair ON matches (image1, image2, detector);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema creation failed: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutFeatures replaces the keypoints of an image for a detector.
func (s *Store) PutFeatures(ctx context.Context, id sfm.ImageID, detector string, points []r2.Point) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO images (id) VALUES (?)", string(id)); err != nil {
		return fmt.Errorf("insert image %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM keypoints WHERE image_id = ? AND detector = ?", string(id), detector); err != nil {
		return fmt.Errorf("clear keypoints of %s: %w", id, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO keypoints (image_id, detector, idx, x, y, descriptor_ref) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, p := range points {
		if _, err := stmt.ExecContext(ctx, string(id), detector, i, p.X, p.Y, i); err != nil {
			return fmt.Errorf("insert keypoint %d of %s: %w", i, id, err)
		}
	}
	return tx.Commit()
}

// PutMatches replaces the matches of a pair for a detector.
func (s *Store) PutMatches(ctx context.Context, a, b sfm.ImageID, detector string, matches []sfm.Match) error {
	pair := sfm.NewImagePair(a, b)
	swapped := pair.Image1 != a

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM matches WHERE image1 = ? AND image2 = ? AND detector = ?",
		string(pair.Image1), string(pair.Image2), detector); err != nil {
		return fmt.Errorf("clear matches of %s-%s: %w", pair.Image1, pair.Image2, err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO matches (image1, image2, detector, idx1, idx2) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range matches {
		i1, i2 := m.Feature1, m.Feature2
		if swapped {
			i1, i2 = i2, i1
		}
		if _, err := stmt.ExecContext(ctx, string(pair.Image1), string(pair.Image2), detector, i1, i2); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
	}
	return tx.Commit()
}

// ImageIDs lists the images with stored keypoints for a detector.
func (s *Store) ImageIDs(ctx context.Context, detector string) ([]sfm.ImageID, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT image_id FROM keypoints WHERE detector = ? ORDER BY image_id", detector)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []sfm.ImageID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, sfm.ImageID(id))
	}
	return ids, rows.Err()
}

// LoadIndex reads the keypoints of images and the matches of the requested
// pairs into an Index. Pairs without stored matches contribute nothing.
func (s *Store) LoadIndex(ctx context.Context, images []sfm.ImageID, pairs []sfm.ImagePair, detector string) (*Index, error) {
	ix := NewIndex()
	for _, id := range images {
		points, err := s.keypoints(ctx, id, detector)
		if err != nil {
			return nil, err
		}
		ix.AddImage(id, points)
	}

	stmt, err := s.db.PrepareContext(ctx,
		"SELECT idx1, idx2 FROM matches WHERE image1 = ? AND image2 = ? AND detector = ?")
	if err != nil {
		return nil, err
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pair := sfm.NewImagePair(p.Image1, p.Image2)
		matches, err := queryMatches(ctx, stmt, pair, detector)
		if err != nil {
			return nil, fmt.Errorf("load matches %s-%s: %w", pair.Image1, pair.Image2, err)
		}
		if len(matches) == 0 {
			continue
		}
		ix.AddMatches(pair.Image1, pair.Image2, matches)
	}
	slog.Debug("Loaded correspondence index", "path", s.path, "summary", ix.String())
	return ix, nil
}

func (s *Store) keypoints(ctx context.Context, id sfm.ImageID, detector string) ([]r2.Point, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT idx, x, y FROM keypoints WHERE image_id = ? AND detector = ? ORDER BY idx", string(id), detector)
	if err != nil {
		return nil, fmt.Errorf("load keypoints of %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var points []r2.Point
	for rows.Next() {
		var (
			idx  int
			x, y float64
		)
		if err := rows.Scan(&idx, &x, &y); err != nil {
			return nil, err
		}
		if idx != len(points) {
			return nil, fmt.Errorf("keypoints of %s are not contiguous at index %d", id, idx)
		}
		points = append(points, r2.Point{X: x, Y: y})
	}
	return points, rows.Err()
}

func queryMatches(ctx context.Context, stmt *sql.Stmt, pair sfm.ImagePair, detector string) ([]sfm.Match, error) {
	rows, err := stmt.QueryContext(ctx, string(pair.Image1), string(pair.Image2), detector)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []sfm.Match
	for rows.Next() {
		var m sfm.Match
		if err := rows.Scan(&m.Feature1, &m.Feature2); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
