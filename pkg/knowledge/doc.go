// Package knowledge parses the plain-text tool knowledge base into descriptors
// for the retrieval index.
//
// A knowledge base is a sequence of blocks, each starting with a line
// "Tool: <identifier>" and optionally carrying "Tags: a, b" and a
// "Description:" section. Sections end at the next capitalised "Label:" line.
//
// Invariants:
//   - N well-formed Tool blocks yield exactly N descriptors, in file order.
//   - Text before the first Tool line is kept as a descriptor named "unknown".
//   - Tags are never nil; a block without a Tags line has an empty list.
package knowledge
