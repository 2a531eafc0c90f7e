package collaborators

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/typesense/typesense-go/v4/typesense"
	"github.com/typesense/typesense-go/v4/typesense/api"

	"github.com/zumen-connect/drawing-worker/internal/pipeline"
)

const maxSearchTextChars = 8000

// TypesenseIndexer embeds the drawing's search text and upserts one document
// per job into the search collection. The document id is the job id, so a
// re-run replaces its own vector instead of duplicating it.
type TypesenseIndexer struct {
	llm            openai.Client
	embeddingModel string
	dimensions     int
	ts             *typesense.Client
	collection     string
}

var _ pipeline.VectorIndexer = (*TypesenseIndexer)(nil)

type TypesenseIndexerConfig struct {
	LLMAPIKey      string
	LLMBaseURL     string
	EmbeddingModel string
	Dimensions     int
	TypesenseURL   string
	TypesenseKey   string
	Collection     string
}

func NewTypesenseIndexer(cfg TypesenseIndexerConfig) *TypesenseIndexer {
	opts := []option.RequestOption{option.WithAPIKey(cfg.LLMAPIKey)}
	if cfg.LLMBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
	}
	return &TypesenseIndexer{
		llm:            openai.NewClient(opts...),
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     cfg.Dimensions,
		ts: typesense.NewClient(
			typesense.WithServer(cfg.TypesenseURL),
			typesense.WithAPIKey(cfg.TypesenseKey),
		),
		collection: cfg.Collection,
	}
}

func (x *TypesenseIndexer) Index(ctx context.Context, in pipeline.IndexInput) ([]pipeline.VectorRef, error) {
	text := buildSearchText(in.OCR, in.Fields)
	if text == "" {
		return nil, pipeline.NewPermanentError("nothing to index for job %s", in.JobID)
	}

	embedding, err := x.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{
		"id":          in.JobID,
		"org_id":      in.OrgID,
		"drawing_ref": in.DrawingRef,
		"text":        text,
		"embedding":   embedding,
	}
	if f := in.Fields; f != nil {
		doc["title"] = f.Title
		doc["drawing_no"] = f.DrawingNo
		doc["part_name"] = f.PartName
		doc["material"] = f.Material
		doc["tags"] = f.Tags
	}

	if _, err := x.ts.Collection(x.collection).Documents().Upsert(ctx, doc, &api.DocumentIndexParameters{}); err != nil {
		return nil, pipeline.WrapTransient(fmt.Errorf("upserting vector for job %s: %w", in.JobID, err))
	}

	return []pipeline.VectorRef{{
		VectorID:   in.JobID,
		Collection: x.collection,
		Dimensions: len(embedding),
	}}, nil
}

func (x *TypesenseIndexer) embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := x.llm.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      openai.EmbeddingModel(x.embeddingModel),
		Dimensions: openai.Int(int64(x.dimensions)),
	})
	if err != nil {
		return nil, classifyLLMErr(err)
	}
	if len(resp.Data) == 0 {
		return nil, pipeline.NewTransientError("embedding response had no data")
	}
	return resp.Data[0].Embedding, nil
}

// buildSearchText joins the structured fields with the raw OCR text into one
// embeddable blob. Fields lead so their tokens survive the length cap.
func buildSearchText(ocr *pipeline.OCRResult, fields *pipeline.DrawingFields) string {
	var b strings.Builder
	if fields != nil {
		for _, part := range []string{
			fields.Title, fields.DrawingNo, fields.PartName,
			fields.Material, fields.SurfaceTreatment, fields.ProcessNote,
		} {
			if part != "" {
				b.WriteString(part)
				b.WriteString("\n")
			}
		}
		if len(fields.Tags) > 0 {
			b.WriteString(strings.Join(fields.Tags, " "))
			b.WriteString("\n")
		}
	}
	if ocr != nil {
		b.WriteString(ocr.Text)
	}
	return truncate(strings.TrimSpace(b.String()), maxSearchTextChars)
}
