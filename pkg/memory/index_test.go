package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/harun/dqagent/pkg/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptors() []knowledge.ToolDescriptor {
	return []knowledge.ToolDescriptor{
		{ID: "tool:inspect_schema", Name: "inspect_schema", RawText: "Tool: inspect_schema", Tags: []string{"schema"}},
		{ID: "tool:check_missing", Name: "check_missing", RawText: "Tool: check_missing", Tags: []string{}},
		{ID: "tool:check_duplicates", Name: "check_duplicates", RawText: "Tool: check_duplicates", Tags: []string{"duplicates", "keys"}},
	}
}

func testVectors() [][]float32 {
	return [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0.9, 0.1, 0, 0},
	}
}

type indexFactory struct {
	name   string
	open   func(t *testing.T) Index
	reopen func(t *testing.T, prev Index) Index
}

func indexFactories() []indexFactory {
	return []indexFactory{
		{
			name: BackendSQLite,
			open: func(t *testing.T) Index {
				idx, err := NewSQLiteIndex(filepath.Join(t.TempDir(), "nested", "tools.db"))
				require.NoError(t, err)
				return idx
			},
			reopen: func(t *testing.T, prev Index) Index {
				file := prev.(*SQLiteIndex).Path()
				require.NoError(t, prev.Close())
				idx, err := NewSQLiteIndex(file)
				require.NoError(t, err)
				return idx
			},
		},
		{
			name: BackendHNSW,
			open: func(t *testing.T) Index {
				fsys, err := mem.NewFS()
				require.NoError(t, err)
				idx, err := NewHNSWIndex(fsys, "index/tools.hnsw")
				require.NoError(t, err)
				return idx
			},
			reopen: func(t *testing.T, prev Index) Index {
				h := prev.(*HNSWIndex)
				idx, err := NewHNSWIndex(h.fs, h.path)
				require.NoError(t, err)
				return idx
			},
		},
	}
}

func TestIndexBackends(t *testing.T) {
	ctx := context.Background()

	for _, f := range indexFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Run("not built", func(t *testing.T) {
				idx := f.open(t)
				defer idx.Close()

				assert.False(t, idx.Built())
				assert.Equal(t, f.name, idx.Backend())
				_, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 2)
				assert.ErrorIs(t, err, ErrNotBuilt)
			})

			t.Run("search orders by similarity", func(t *testing.T) {
				idx := f.open(t)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, testDescriptors(), testVectors()))

				assert.True(t, idx.Built())
				assert.Equal(t, 3, idx.Len())

				hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 2)
				require.NoError(t, err)
				require.Len(t, hits, 2)
				assert.Equal(t, "inspect_schema", hits[0].Descriptor.Name)
				assert.Equal(t, "check_duplicates", hits[1].Descriptor.Name)
				assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
				assert.Greater(t, hits[0].Score, hits[1].Score)
				assert.Equal(t, []string{"duplicates", "keys"}, hits[1].Descriptor.Tags)
			})

			t.Run("k larger than index", func(t *testing.T) {
				idx := f.open(t)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, testDescriptors(), testVectors()))

				hits, err := idx.Search(ctx, []float32{0, 1, 0, 0}, 10)
				require.NoError(t, err)
				assert.Len(t, hits, 3)
				assert.Equal(t, "check_missing", hits[0].Descriptor.Name)
			})

			t.Run("dimension mismatch", func(t *testing.T) {
				idx := f.open(t)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, testDescriptors(), testVectors()))

				_, err := idx.Search(ctx, []float32{1, 0}, 2)
				assert.Error(t, err)
			})

			t.Run("rebuild replaces contents", func(t *testing.T) {
				idx := f.open(t)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, testDescriptors(), testVectors()))

				only := testDescriptors()[1:2]
				require.NoError(t, idx.Build(ctx, only, [][]float32{{0, 0, 1}}))
				assert.Equal(t, 1, idx.Len())

				hits, err := idx.Search(ctx, []float32{1, 0, 0}, 4)
				require.NoError(t, err)
				require.Len(t, hits, 1)
				assert.Equal(t, "check_missing", hits[0].Descriptor.Name)
			})

			t.Run("empty build", func(t *testing.T) {
				idx := f.open(t)
				defer idx.Close()
				require.NoError(t, idx.Build(ctx, nil, nil))

				assert.True(t, idx.Built())
				hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 4)
				require.NoError(t, err)
				assert.Empty(t, hits)
			})

			t.Run("mismatched input lengths", func(t *testing.T) {
				idx := f.open(t)
				defer idx.Close()
				assert.Error(t, idx.Build(ctx, testDescriptors(), testVectors()[:1]))
				assert.Error(t, idx.Build(ctx, testDescriptors()[:2], [][]float32{{1, 0}, {1}}))
			})

			t.Run("persists across reopen", func(t *testing.T) {
				idx := f.open(t)
				require.NoError(t, idx.Build(ctx, testDescriptors(), testVectors()))

				reopened := f.reopen(t, idx)
				defer reopened.Close()

				assert.True(t, reopened.Built())
				assert.Equal(t, 3, reopened.Len())
				hits, err := reopened.Search(ctx, []float32{0, 1, 0, 0}, 1)
				require.NoError(t, err)
				require.Len(t, hits, 1)
				assert.Equal(t, "tool:check_missing", hits[0].Descriptor.ID)
				assert.Equal(t, []string{}, hits[0].Descriptor.Tags)
			})
		})
	}
}

func TestSQLiteEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	idx, err := NewSQLiteIndex(filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	defer idx.Close()

	_, ok, err := idx.CachedEmbedding(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, idx.StoreEmbedding(ctx, "abc", []float32{0.25, -1.5, 3}))
	vec, ok, err := idx.CachedEmbedding(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.25, -1.5, 3}, vec)
}

func TestOpenIndex(t *testing.T) {
	dir := t.TempDir()

	idx, err := OpenIndex("SQLite", filepath.Join(dir, "tools.db"))
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, idx.Backend())
	require.NoError(t, idx.Close())

	idx, err = OpenIndex(BackendHNSW, filepath.Join(dir, "tools.hnsw"))
	require.NoError(t, err)
	assert.Equal(t, BackendHNSW, idx.Backend())
	assert.False(t, idx.Built())

	_, err = OpenIndex("faiss", filepath.Join(dir, "x"))
	assert.Error(t, err)
}

func TestDecodeFloat32(t *testing.T) {
	_, err := decodeFloat32([]byte{1, 2, 3})
	assert.Error(t, err)
}
