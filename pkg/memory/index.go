package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/dqagent/pkg/knowledge"
)

// Backend names accepted by OpenIndex.
const (
	BackendSQLite = "sqlite"
	BackendHNSW   = "hnsw"
)

// ErrNotBuilt is returned by Search on an index that has never been built.
var ErrNotBuilt = errors.New("index has not been built")

// Hit is one search result: a stored descriptor and its cosine similarity to the query.
type Hit struct {
	Descriptor knowledge.ToolDescriptor
	Score      float64
}

// Index stores one embedding per descriptor and answers nearest-neighbour queries.
// Build replaces the whole contents; Search never mutates.
type Index interface {
	Build(ctx context.Context, descriptors []knowledge.ToolDescriptor, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
	Built() bool
	Len() int
	Backend() string
	Close() error
}

// EmbeddingCache is implemented by indexes that can persist embeddings keyed by content hash.
type EmbeddingCache interface {
	CachedEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	StoreEmbedding(ctx context.Context, key string, vector []float32) error
}

// OpenIndex opens the persisted index for backend at path.
func OpenIndex(backend, path string) (Index, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendSQLite, "":
		return NewSQLiteIndex(path)
	case BackendHNSW:
		fsys, fsPath, err := osFS(filepath.Clean(path))
		if err != nil {
			return nil, err
		}
		return NewHNSWIndex(fsys, fsPath)
	default:
		return nil, fmt.Errorf("unsupported retrieval backend: %s", backend)
	}
}

func validateBuild(descriptors []knowledge.ToolDescriptor, vectors [][]float32) (int, error) {
	if len(descriptors) != len(vectors) {
		return 0, fmt.Errorf("got %d vectors for %d descriptors", len(vectors), len(descriptors))
	}
	dim := 0
	for i, vec := range vectors {
		if len(vec) == 0 {
			return 0, fmt.Errorf("descriptor %q has an empty embedding", descriptors[i].ID)
		}
		if dim == 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return 0, fmt.Errorf("vector dimension mismatch: expected %d, got %d", dim, len(vec))
		}
	}
	return dim, nil
}
