package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/dqagent/pkg/knowledge"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

const (
	metaDimension = "dimension"
	metaBuiltAt   = "built_at"
)

// SQLiteIndex keeps descriptors, their vectors and an embedding cache in one
// SQLite file. Vectors live in a sqlite-vec vec0 table using cosine distance.
type SQLiteIndex struct {
	db        *sql.DB
	path      string
	mu        sync.RWMutex
	dimension int
	count     int
	built     bool
}

// NewSQLiteIndex opens (or creates) the index database at path.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, errors.New("index path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	idx := &SQLiteIndex{db: db, path: path}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := idx.loadState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS descriptors (
			position INTEGER PRIMARY KEY,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			raw_text TEXT NOT NULL,
			tags TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_descriptors_id ON descriptors(id);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteIndex) loadState() error {
	var builtAt string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", metaBuiltAt).Scan(&builtAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return err
	}

	var dim string
	if err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", metaDimension).Scan(&dim); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if dim != "" {
		n, err := strconv.Atoi(dim)
		if err != nil {
			return fmt.Errorf("corrupt dimension %q: %w", dim, err)
		}
		s.dimension = n
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM descriptors").Scan(&s.count); err != nil {
		return err
	}
	s.built = true
	return nil
}

// Build replaces every stored descriptor and vector in one transaction.
func (s *SQLiteIndex) Build(ctx context.Context, descriptors []knowledge.ToolDescriptor, vectors [][]float32) error {
	dim, err := validateBuild(descriptors, vectors)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM descriptors"); err != nil {
		return fmt.Errorf("failed to clear descriptors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS embeddings"); err != nil {
		return fmt.Errorf("failed to drop vector table: %w", err)
	}
	if dim > 0 {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE embeddings USING vec0(
				embedding float[%d] distance_metric=cosine
			);
		`, dim)
		if _, err := tx.ExecContext(ctx, vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	for i, d := range descriptors {
		tags, err := json.Marshal(d.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO descriptors (position, id, name, raw_text, tags) VALUES (?, ?, ?, ?, ?)",
			i+1, d.ID, d.Name, d.RawText, string(tags),
		); err != nil {
			return fmt.Errorf("failed to insert descriptor %q: %w", d.ID, err)
		}

		blob, err := sqlite_vec.SerializeFloat32(vectors[i])
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO embeddings (rowid, embedding) VALUES (?, ?)",
			i+1, blob,
		); err != nil {
			return fmt.Errorf("failed to store embedding for %q: %w", d.ID, err)
		}
	}

	for key, value := range map[string]string{
		metaDimension: strconv.Itoa(dim),
		metaBuiltAt:   strconv.FormatInt(time.Now().Unix(), 10),
	} {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value,
		); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.dimension = dim
	s.count = len(descriptors)
	s.built = true
	return nil
}

// Search returns up to k descriptors ordered by ascending cosine distance.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.built {
		return nil, ErrNotBuilt
	}
	if k <= 0 || s.count == 0 {
		return []Hit{}, nil
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("vector dimension mismatch: expected %d, got %d", s.dimension, len(vector))
	}

	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.raw_text, d.tags, knn.distance
		FROM (
			SELECT rowid, distance
			FROM embeddings
			WHERE embedding MATCH ? AND k = ?
		) AS knn
		JOIN descriptors d ON d.position = knn.rowid
		ORDER BY knn.distance ASC, d.position ASC
	`, blob, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var d knowledge.ToolDescriptor
		var tags string
		var distance float64
		if err := rows.Scan(&d.ID, &d.Name, &d.RawText, &tags, &distance); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for %q: %w", d.ID, err)
		}
		if d.Tags == nil {
			d.Tags = []string{}
		}
		hits = append(hits, Hit{Descriptor: d, Score: 1 - distance})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}

// CachedEmbedding looks up a previously stored embedding.
func (s *SQLiteIndex) CachedEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := decodeFloat32(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// StoreEmbedding writes an embedding into the cache.
func (s *SQLiteIndex) StoreEmbedding(ctx context.Context, key string, vector []float32) error {
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
		key, blob, len(vector), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Built() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.built
}

func (s *SQLiteIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *SQLiteIndex) Backend() string { return BackendSQLite }

// Path returns the database file backing the index.
func (s *SQLiteIndex) Path() string { return s.path }

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// decodeFloat32 reverses sqlite_vec.SerializeFloat32 (little-endian float32).
func decodeFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
