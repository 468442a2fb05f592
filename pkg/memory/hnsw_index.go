package memory

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
	"github.com/harun/dqagent/pkg/knowledge"
	kvector "github.com/kshard/vector"
)

const hnswFormatVersion = 1

type hnswHeader struct {
	Version     int
	Dimension   int
	Descriptors []knowledge.ToolDescriptor
}

// HNSWIndex is an in-process approximate nearest-neighbour index. The graph
// and the descriptors are persisted together as gob through a hackpadfs FS.
type HNSWIndex struct {
	fs   hackpadfs.FS
	path string

	mu          sync.RWMutex
	graph       *hnsw.HNSW[vector.VF32]
	descriptors []knowledge.ToolDescriptor
	dimension   int
	built       bool
}

// NewHNSWIndex loads the index stored at path on fsys, or starts empty when
// no file exists yet.
func NewHNSWIndex(fsys hackpadfs.FS, filePath string) (*HNSWIndex, error) {
	if filePath == "" {
		return nil, errors.New("index path is required")
	}
	idx := &HNSWIndex{fs: fsys, path: filePath}
	if err := idx.load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return idx, nil
		}
		return nil, err
	}
	return idx, nil
}

func newGraph() *hnsw.HNSW[vector.VF32] {
	return hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine()))
}

func (h *HNSWIndex) load() error {
	content, err := hackpadfs.ReadFile(h.fs, h.path)
	if err != nil {
		return err
	}

	dec := gob.NewDecoder(bytes.NewReader(content))
	var header hnswHeader
	if err := dec.Decode(&header); err != nil {
		return fmt.Errorf("failed to decode index header: %w", err)
	}
	if header.Version != hnswFormatVersion {
		return fmt.Errorf("unsupported index format version %d", header.Version)
	}

	graph := newGraph()
	if len(header.Descriptors) > 0 {
		var nodes hnsw.Nodes[vector.VF32]
		if err := dec.Decode(&nodes); err != nil {
			return fmt.Errorf("failed to decode index: %w", err)
		}
		graph = hnsw.FromNodes[vector.VF32](vector.SurfaceVF32(kvector.Cosine()), nodes)
	}

	h.graph = graph
	h.descriptors = normalizeTags(header.Descriptors)
	h.dimension = header.Dimension
	h.built = true
	return nil
}

// Build inserts every vector into a fresh graph and persists it.
func (h *HNSWIndex) Build(ctx context.Context, descriptors []knowledge.ToolDescriptor, vectors [][]float32) error {
	dim, err := validateBuild(descriptors, vectors)
	if err != nil {
		return err
	}

	graph := newGraph()
	for i, vec := range vectors {
		if err := ctx.Err(); err != nil {
			return err
		}
		graph.Insert(vector.VF32{Key: uint32(i + 1), Vec: vec})
	}

	stored := make([]knowledge.ToolDescriptor, len(descriptors))
	copy(stored, descriptors)

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(hnswHeader{Version: hnswFormatVersion, Dimension: dim, Descriptors: stored}); err != nil {
		return fmt.Errorf("failed to encode index header: %w", err)
	}
	if len(stored) > 0 {
		if err := enc.Encode(graph.Nodes()); err != nil {
			return fmt.Errorf("failed to encode index: %w", err)
		}
	}

	if dir := path.Dir(h.path); dir != "." {
		if err := hackpadfs.MkdirAll(h.fs, dir, 0o755); err != nil {
			return fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	if err := hackpadfs.WriteFullFile(h.fs, h.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}

	h.mu.Lock()
	h.graph = graph
	h.descriptors = normalizeTags(stored)
	h.dimension = dim
	h.built = true
	h.mu.Unlock()
	return nil
}

// Search returns up to k descriptors ordered by descending cosine similarity.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.built {
		return nil, ErrNotBuilt
	}
	if k <= 0 || len(h.descriptors) == 0 {
		return []Hit{}, nil
	}
	if len(query) != h.dimension {
		return nil, fmt.Errorf("vector dimension mismatch: expected %d, got %d", h.dimension, len(query))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ef := k * 2
	if ef < 100 {
		ef = 100
	}
	results := h.graph.Search(vector.VF32{Vec: query}, k, ef)

	type scored struct {
		key   uint32
		score float64
	}
	ranked := make([]scored, 0, len(results))
	for _, r := range results {
		if r.Key == 0 || int(r.Key) > len(h.descriptors) {
			return nil, fmt.Errorf("index returned unknown key %d", r.Key)
		}
		ranked = append(ranked, scored{key: r.Key, score: cosineSimilarity(query, r.Vec)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].key < ranked[j].key
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	hits := make([]Hit, len(ranked))
	for i, r := range ranked {
		hits[i] = Hit{Descriptor: h.descriptors[r.key-1], Score: r.score}
	}
	return hits, nil
}

func (h *HNSWIndex) Built() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.built
}

func (h *HNSWIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.descriptors)
}

func (h *HNSWIndex) Backend() string { return BackendHNSW }

func (h *HNSWIndex) Close() error { return nil }

// gob drops empty slices; restore the non-nil empty tag list.
func normalizeTags(descriptors []knowledge.ToolDescriptor) []knowledge.ToolDescriptor {
	for i := range descriptors {
		if descriptors[i].Tags == nil {
			descriptors[i].Tags = []string{}
		}
	}
	return descriptors
}

// osFS maps an OS path onto the root of a hackpadfs OS filesystem.
func osFS(osPath string) (hackpadfs.FS, string, error) {
	abs, err := filepath.Abs(osPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve index path: %w", err)
	}
	rel := strings.TrimPrefix(filepath.ToSlash(abs), "/")
	if vol := filepath.VolumeName(abs); vol != "" {
		rel = strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(abs), filepath.ToSlash(vol)), "/")
	}
	if !fs.ValidPath(rel) {
		return nil, "", fmt.Errorf("invalid index path %q", osPath)
	}
	return osfs.NewFS(), rel, nil
}
