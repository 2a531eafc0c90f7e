package pipeline

import (
	"encoding/json"
	"fmt"
)

// Result kinds, one per stage. The controller only moves results around as
// opaque payloads; each executor variant knows its own shape.
const (
	ResultKindPages   = "pages"
	ResultKindOCR     = "ocr"
	ResultKindFields  = "fields"
	ResultKindVectors = "vectors"
	ResultKindModel3D = "model3d"
)

// PageArtifact is one rasterized drawing page stored in the object store.
type PageArtifact struct {
	PageNo    int    `json:"page_no"`
	ObjectKey string `json:"object_key"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// WordBox is one recognized token with its normalized bounding box.
type WordBox struct {
	Text       string  `json:"text"`
	XMin       float64 `json:"x_min"`
	YMin       float64 `json:"y_min"`
	XMax       float64 `json:"x_max"`
	YMax       float64 `json:"y_max"`
	Confidence float64 `json:"confidence"`
	Level      string  `json:"level"`
}

// PageText is the OCR output of one page.
type PageText struct {
	PageNo     int       `json:"page_no"`
	Text       string    `json:"text"`
	Words      []WordBox `json:"words,omitempty"`
	Confidence float64   `json:"confidence"`
}

// OCRResult is the concatenated OCR output of the whole drawing. Text joins
// the pages with page markers, matching what downstream extraction expects.
type OCRResult struct {
	Text  string     `json:"text"`
	Pages []PageText `json:"pages"`
}

// DrawingFields is the structured field set extracted from a drawing's title
// block.
type DrawingFields struct {
	Title            string   `json:"title,omitempty"`
	DrawingNo        string   `json:"drawing_no,omitempty"`
	PartName         string   `json:"part_name,omitempty"`
	Material         string   `json:"material,omitempty"`
	SurfaceTreatment string   `json:"surface_treatment,omitempty"`
	ProcessNote      string   `json:"process_note,omitempty"`
	IssueDate        string   `json:"issue_date,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// VectorRef points at one vector upserted into the search index.
type VectorRef struct {
	VectorID   string `json:"vector_id"`
	Collection string `json:"collection"`
	PageNo     int    `json:"page_no,omitempty"`
	Dimensions int    `json:"dimensions"`
}

// ArtifactRef points at a produced artifact in the object store.
type ArtifactRef struct {
	ObjectKey string `json:"object_key"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// StageResult is the tagged union persisted on a succeeded stage row.
// Exactly one payload field is set, selected by Kind.
type StageResult struct {
	Kind      string         `json:"kind"`
	Pages     []PageArtifact `json:"pages,omitempty"`
	Thumbnail *ArtifactRef   `json:"thumbnail,omitempty"`
	OCR       *OCRResult     `json:"ocr,omitempty"`
	Fields    *DrawingFields `json:"fields,omitempty"`
	Vectors   []VectorRef    `json:"vectors,omitempty"`
	Model3D   *ArtifactRef   `json:"model3d,omitempty"`
}

func (r StageResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalResult(data []byte) (StageResult, error) {
	var r StageResult
	if err := json.Unmarshal(data, &r); err != nil {
		return StageResult{}, fmt.Errorf("decoding stage result: %w", err)
	}
	return r, nil
}

// Results is the accumulated output of completed stages, keyed by stage name.
type Results map[string]StageResult
