// Package memory is the retriever: it embeds tool descriptors, stores them in a
// persistent similarity index and returns the k closest descriptors for a query.
//
// Invariants:
// - Query results are ordered by descending cosine similarity and ranked from 1.
// - Index replaces the stored contents; Query never mutates the index.
// - Embedding and index failures surface as dqerr.RetrievalError.
//
// Usage:
//
//	idx, _ := memory.OpenIndex(memory.BackendSQLite, "/data/tools.db")
//	mgr, _ := memory.NewManager(memory.Config{Index: idx, EmbeddingProvider: memory.NewHashEmbedder(384)})
//	defer mgr.Close()
//	_ = mgr.Index(ctx, knowledge.Parse(text))
//	hits, _ := mgr.Query(ctx, "find duplicate ids", 4)
//	_ = hits
package memory
