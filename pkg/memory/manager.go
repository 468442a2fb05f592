package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/dqagent/internal/observability"
	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/dqerr"
	"github.com/harun/dqagent/pkg/knowledge"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Retrieved is one ranked descriptor returned by Query. Rank starts at 1.
type Retrieved struct {
	Descriptor knowledge.ToolDescriptor `json:"descriptor"`
	Rank       int                      `json:"rank"`
	Score      float64                  `json:"score"`
}

// RetrievedContext is the ordered result of one query.
type RetrievedContext []Retrieved

// Descriptors returns the descriptors in rank order.
func (rc RetrievedContext) Descriptors() []knowledge.ToolDescriptor {
	out := make([]knowledge.ToolDescriptor, len(rc))
	for i, r := range rc {
		out[i] = r.Descriptor
	}
	return out
}

// Status represents the current state of the retriever
type Status struct {
	Backend               string     `json:"backend"`
	Built                 bool       `json:"built"`
	Entries               int        `json:"entries"`
	Dimension             int        `json:"dimension"`
	EmbeddingCacheHitRate *float64   `json:"embedding_cache_hit_rate,omitempty"`
	LastIndexTime         *time.Time `json:"last_index_time,omitempty"`
}

// Config holds retriever configuration
type Config struct {
	Index             Index
	EmbeddingProvider EmbeddingProvider
	// ModelID namespaces embedding cache keys; see EmbeddingModelID.
	ModelID string
	Logger  zerolog.Logger
}

// Manager embeds descriptors into an Index and answers similarity queries.
type Manager struct {
	index             Index
	embeddingProvider EmbeddingProvider
	modelID           string
	logger            zerolog.Logger

	mu            sync.Mutex
	lastIndexTime *time.Time
	stats         struct {
		cacheHits   int
		cacheMisses int
	}
}

// NewManager creates a new retriever over cfg.Index.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Index == nil {
		return nil, errors.New("index is required")
	}
	if cfg.EmbeddingProvider == nil {
		return nil, errors.New("embedding provider is required")
	}

	m := &Manager{
		index:             cfg.Index,
		embeddingProvider: cfg.EmbeddingProvider,
		modelID:           cfg.ModelID,
		logger:            cfg.Logger,
	}
	observability.SetIndexEntries(cfg.Index.Backend(), cfg.Index.Len())
	return m, nil
}

// Index embeds every descriptor and rebuilds the index from scratch.
func (m *Manager) Index(ctx context.Context, descriptors []knowledge.ToolDescriptor) error {
	ctx, span := tracing.StartSpan(ctx, "dqagent.memory", "memory.index",
		attribute.Int("descriptors", len(descriptors)),
		attribute.String("backend", m.index.Backend()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()

	vectors, err := m.embedAll(ctx, descriptors)
	if err != nil {
		tracing.FailSpan(span, err)
		return &dqerr.RetrievalError{Op: "embed", Err: err}
	}

	if err := m.index.Build(ctx, descriptors, vectors); err != nil {
		tracing.FailSpan(span, err)
		return &dqerr.RetrievalError{Op: "build", Err: err}
	}

	now := time.Now()
	m.mu.Lock()
	m.lastIndexTime = &now
	m.mu.Unlock()

	observability.SetIndexEntries(m.index.Backend(), m.index.Len())
	logger.Info().
		Int("descriptors", len(descriptors)).
		Str("backend", m.index.Backend()).
		Dur("duration", time.Since(start)).
		Msg("Index built")
	return nil
}

func (m *Manager) embedAll(ctx context.Context, descriptors []knowledge.ToolDescriptor) ([][]float32, error) {
	vectors := make([][]float32, len(descriptors))
	cache, _ := m.index.(EmbeddingCache)

	var pending []int
	for i, d := range descriptors {
		if cache == nil {
			pending = append(pending, i)
			continue
		}
		vec, ok, err := cache.CachedEmbedding(ctx, m.cacheKey(d.RawText))
		if err != nil {
			m.logger.Warn().Err(err).Str("descriptor", d.ID).Msg("Embedding cache lookup failed")
		}
		observability.RecordEmbeddingCache(ok)
		m.mu.Lock()
		if ok {
			m.stats.cacheHits++
		} else {
			m.stats.cacheMisses++
		}
		m.mu.Unlock()
		if ok {
			vectors[i] = vec
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) == 0 {
		return vectors, nil
	}

	texts := make([]string, len(pending))
	for j, i := range pending {
		texts[j] = descriptors[i].RawText
	}
	generated, err := m.embeddingProvider.GenerateEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(generated) != len(pending) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(generated), len(pending))
	}

	for j, i := range pending {
		vectors[i] = generated[j]
		if cache != nil {
			if err := cache.StoreEmbedding(ctx, m.cacheKey(texts[j]), generated[j]); err != nil {
				m.logger.Warn().Err(err).Str("descriptor", descriptors[i].ID).Msg("Failed to cache embedding")
			}
		}
	}
	return vectors, nil
}

func (m *Manager) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(m.modelID + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Query returns at most k descriptors ranked by descending similarity to text.
// An empty index yields an empty context, not an error.
func (m *Manager) Query(ctx context.Context, text string, k int) (RetrievedContext, error) {
	ctx, span := tracing.StartSpan(ctx, "dqagent.memory", "memory.query",
		attribute.Int("k", k),
		attribute.String("backend", m.index.Backend()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()

	result, err := m.query(ctx, text, k)
	observability.RecordRetrieval(time.Since(start), len(result), err)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	logger.Debug().
		Int("k", k).
		Int("results", len(result)).
		Msg("Retrieval completed")
	return result, nil
}

func (m *Manager) query(ctx context.Context, text string, k int) (RetrievedContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.index.Built() {
		return nil, &dqerr.RetrievalError{Op: "query", Err: ErrNotBuilt}
	}
	if k <= 0 || m.index.Len() == 0 {
		return RetrievedContext{}, nil
	}

	vec, err := m.embeddingProvider.GenerateEmbedding(ctx, text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &dqerr.RetrievalError{Op: "embed", Err: err}
	}

	hits, err := m.index.Search(ctx, vec, k)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &dqerr.RetrievalError{Op: "query", Err: err}
	}
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make(RetrievedContext, len(hits))
	for i, h := range hits {
		out[i] = Retrieved{Descriptor: h.Descriptor, Rank: i + 1, Score: h.Score}
	}
	return out, nil
}

// Status returns current retriever status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		Backend:       m.index.Backend(),
		Built:         m.index.Built(),
		Entries:       m.index.Len(),
		Dimension:     m.embeddingProvider.Dimension(),
		LastIndexTime: m.lastIndexTime,
	}

	total := m.stats.cacheHits + m.stats.cacheMisses
	if total > 0 {
		rate := float64(m.stats.cacheHits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}
	return status
}

// Close closes the underlying index
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing retriever")
	return m.index.Close()
}
