package progress

import (
	"context"
	"fmt"
)

// Stages used by the typed adapters.
const (
	StageOutline    Stage = "outline"
	StageSections   Stage = "sections"
	StageRefinement Stage = "refinement"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageGenerating Stage = "generating"
)

// lifecycle holds the terminal transitions shared by every adapter.
type lifecycle struct {
	tracker *Tracker
}

// Complete finishes the session.
func (l lifecycle) Complete(ctx context.Context, progressID, message string) error {
	return l.tracker.Complete(ctx, progressID, message)
}

// Fail ends the session with an error.
func (l lifecycle) Fail(ctx context.Context, progressID string, err error, canRetry bool) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return l.tracker.Fail(ctx, progressID, msg, canRetry)
}

func (l lifecycle) step(ctx context.Context, progressID string, stage Stage, pct int, message string, meta Metadata) error {
	return l.tracker.Update(ctx, progressID, Patch{
		Stage:    &stage,
		Progress: &pct,
		Message:  &message,
		Metadata: meta,
	})
}

// ratio maps done/total onto [lo, hi]. Values past total are capped at hi.
func ratio(done, total, lo, hi int) int {
	if total <= 0 {
		return lo
	}
	if done > total {
		done = total
	}
	if done < 0 {
		done = 0
	}
	return lo + (hi-lo)*done/total
}

// GenerationProgress reports document generation: outline, then sections,
// then refinement.
type GenerationProgress struct {
	lifecycle
}

// NewGenerationProgress returns an adapter backed by t.
func NewGenerationProgress(t *Tracker) *GenerationProgress {
	return &GenerationProgress{lifecycle{tracker: t}}
}

// Start opens a generation session for documentID.
func (g *GenerationProgress) Start(ctx context.Context, documentID, userID, provider, model string) (string, error) {
	meta := GenerationMetadata{}
	if provider != "" {
		meta.Provider = String(provider)
	}
	if model != "" {
		meta.Model = String(model)
	}
	return g.tracker.Create(ctx, TypeGeneration, documentID, userID, "Preparing generation", meta)
}

// Outline marks the outline stage.
func (g *GenerationProgress) Outline(ctx context.Context, progressID string) error {
	return g.step(ctx, progressID, StageOutline, 5, "Generating outline", nil)
}

// Section records that completed of total sections are written. Sections
// span 10-90%.
func (g *GenerationProgress) Section(ctx context.Context, progressID string, completed, total int, title string) error {
	meta := GenerationMetadata{
		TotalSections:     Int(total),
		SectionsCompleted: Int(completed),
	}
	if title != "" {
		meta.CurrentSection = String(title)
	}
	msg := fmt.Sprintf("Writing section %d of %d", completed, total)
	return g.step(ctx, progressID, StageSections, ratio(completed, total, 10, 90), msg, meta)
}

// Refine marks the refinement pass, recording tokens consumed so far.
func (g *GenerationProgress) Refine(ctx context.Context, progressID string, tokensUsed int) error {
	var meta Metadata
	if tokensUsed > 0 {
		meta = GenerationMetadata{TokensUsed: Int(tokensUsed)}
	}
	return g.step(ctx, progressID, StageRefinement, 95, "Refining document", meta)
}

// EmbeddingProgress reports chunking and embedding of a document.
type EmbeddingProgress struct {
	lifecycle
}

// NewEmbeddingProgress returns an adapter backed by t.
func NewEmbeddingProgress(t *Tracker) *EmbeddingProgress {
	return &EmbeddingProgress{lifecycle{tracker: t}}
}

// Start opens an embedding session for documentID.
func (e *EmbeddingProgress) Start(ctx context.Context, documentID, userID, documentName, model string) (string, error) {
	meta := EmbeddingMetadata{}
	if documentName != "" {
		meta.DocumentName = String(documentName)
	}
	if model != "" {
		meta.EmbeddingModel = String(model)
	}
	return e.tracker.Create(ctx, TypeEmbedding, documentID, userID, "Queued for embedding", meta)
}

// Chunked records the chunk count once the document has been split.
func (e *EmbeddingProgress) Chunked(ctx context.Context, progressID string, totalChunks int) error {
	meta := EmbeddingMetadata{TotalChunks: Int(totalChunks), ChunksProcessed: Int(0)}
	msg := fmt.Sprintf("Split into %d chunks", totalChunks)
	return e.step(ctx, progressID, StageChunking, 5, msg, meta)
}

// Embedded records processed of total chunks embedded. Stays below 100
// until Complete.
func (e *EmbeddingProgress) Embedded(ctx context.Context, progressID string, processed, total int) error {
	meta := EmbeddingMetadata{TotalChunks: Int(total), ChunksProcessed: Int(processed)}
	msg := fmt.Sprintf("Embedded %d of %d chunks", processed, total)
	return e.step(ctx, progressID, StageEmbedding, ratio(processed, total, 5, 99), msg, meta)
}

// FileBatchProgress reports bulk file generation.
type FileBatchProgress struct {
	lifecycle
}

// NewFileBatchProgress returns an adapter backed by t.
func NewFileBatchProgress(t *Tracker) *FileBatchProgress {
	return &FileBatchProgress{lifecycle{tracker: t}}
}

// Start opens a file generation session for jobID.
func (f *FileBatchProgress) Start(ctx context.Context, jobID, userID string, totalFiles int) (string, error) {
	meta := FileGenerationMetadata{TotalFiles: Int(totalFiles), FilesGenerated: Int(0)}
	msg := fmt.Sprintf("Generating %d files", totalFiles)
	return f.tracker.Create(ctx, TypeFileGeneration, jobID, userID, msg, meta)
}

// FileGenerated records that generated of total files exist, name being the
// most recent one. Stays below 100 until Complete.
func (f *FileBatchProgress) FileGenerated(ctx context.Context, progressID string, generated, total int, name string) error {
	meta := FileGenerationMetadata{FilesGenerated: Int(generated)}
	if name != "" {
		meta.CurrentFile = String(name)
	}
	msg := fmt.Sprintf("Generated %d of %d files", generated, total)
	return f.step(ctx, progressID, StageGenerating, ratio(generated, total, 0, 99), msg, meta)
}
