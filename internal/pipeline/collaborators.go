package pipeline

import (
	"context"
)

// The pipeline calls every external capability through one of these narrow
// interfaces. Implementations classify their own failures by returning
// *TransientError or *PermanentError; anything else is treated as transient.

// DecomposeInput names the drawing to rasterize. Artifact keys are derived
// from OrgID and JobID so a re-run of the stage overwrites its own output.
type DecomposeInput struct {
	JobID      string
	OrgID      string
	DrawingRef string
}

// Decomposer turns a drawing reference into ordered page artifacts plus a
// thumbnail of the first page.
type Decomposer interface {
	Decompose(ctx context.Context, in DecomposeInput) ([]PageArtifact, *ArtifactRef, error)
}

// OCREngine recognizes text with positions on one page artifact.
type OCREngine interface {
	Recognize(ctx context.Context, page PageArtifact) (*PageText, error)
}

// ExtractInput carries everything the field extractor may use. PageKey names
// the first page image in the object store for extractors that do a
// multimodal fallback; text-only extractors ignore it.
type ExtractInput struct {
	JobID   string
	OCRText string
	PageKey string
}

// FieldExtractor produces the structured field set from OCR text and layout.
type FieldExtractor interface {
	Extract(ctx context.Context, in ExtractInput) (*DrawingFields, error)
}

// IndexInput is the material for one job's search vectors.
type IndexInput struct {
	JobID      string
	OrgID      string
	DrawingRef string
	OCR        *OCRResult
	Fields     *DrawingFields
}

// VectorIndexer embeds the search text and upserts the vectors into the
// index, keyed by job/page id.
type VectorIndexer interface {
	Index(ctx context.Context, in IndexInput) ([]VectorRef, error)
}

// ConvertInput describes the 2D geometry handed to the 3D converter.
type ConvertInput struct {
	JobID      string
	DrawingRef string
	Pages      []PageArtifact
	Fields     *DrawingFields
}

// ModelConverter turns the 2D geometry description into a 3D model artifact.
type ModelConverter interface {
	Convert(ctx context.Context, in ConvertInput) (*ArtifactRef, error)
}

// Collaborators bundles the five stage backends for the executor.
type Collaborators struct {
	Decomposer Decomposer
	OCR        OCREngine
	Fields     FieldExtractor
	Vectors    VectorIndexer
	Converter  ModelConverter
}
