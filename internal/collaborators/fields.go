package collaborators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zumen-connect/drawing-worker/internal/pipeline"
)

// fieldsSchemaJSON constrains the model output to exactly the field set the
// rest of the pipeline understands. Strict structured output needs every
// property listed as required.
const fieldsSchemaJSON = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"drawing_no": {"type": "string"},
		"part_name": {"type": "string"},
		"material": {"type": "string"},
		"surface_treatment": {"type": "string"},
		"process_note": {"type": "string"},
		"issue_date": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["title", "drawing_no", "part_name", "material", "surface_treatment", "process_note", "issue_date", "tags"],
	"additionalProperties": false
}`

var fieldsSchema = jsonschema.MustCompileString("drawing_fields.json", fieldsSchemaJSON)

const extractSystemPrompt = `You read OCR text from Japanese engineering drawings and fill in the title block fields.
Use only what the text supports. Leave a field empty when the text does not state it.
Dates become YYYY-MM-DD. Tags are short keywords describing the part, at most five.`

const maxPromptChars = 8000

// LLMFieldExtractor runs the label rules first and asks the model only for
// what the rules could not find. A fully empty result is a valid outcome for
// drawings without a title block.
type LLMFieldExtractor struct {
	client    openai.Client
	model     string
	llmActive bool
	schemaDoc map[string]any
}

var _ pipeline.FieldExtractor = (*LLMFieldExtractor)(nil)

// NewLLMFieldExtractor builds the extractor. An empty apiKey disables the
// model call and leaves rules-only extraction.
func NewLLMFieldExtractor(apiKey, baseURL, model string) *LLMFieldExtractor {
	e := &LLMFieldExtractor{model: model}
	if apiKey == "" {
		return e
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	e.client = openai.NewClient(opts...)
	e.llmActive = true

	var doc map[string]any
	if err := json.Unmarshal([]byte(fieldsSchemaJSON), &doc); err != nil {
		panic(err)
	}
	e.schemaDoc = doc
	return e
}

func (e *LLMFieldExtractor) Extract(ctx context.Context, in pipeline.ExtractInput) (*pipeline.DrawingFields, error) {
	fields := extractByRules(in.OCRText)
	if rulesComplete(fields) || !e.llmActive {
		return fields, nil
	}

	generated, err := e.askModel(ctx, in.OCRText)
	if err != nil {
		return nil, err
	}
	merge(fields, generated)
	return fields, nil
}

func (e *LLMFieldExtractor) askModel(ctx context.Context, ocrText string) (*pipeline.DrawingFields, error) {
	params := openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractSystemPrompt),
			openai.UserMessage(truncate(ocrText, maxPromptChars)),
		},
		MaxTokens: openai.Int(600),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "drawing_fields",
					Schema: e.schemaDoc,
					Strict: openai.Bool(true),
				},
			},
		},
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyLLMErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, pipeline.NewTransientError("model returned no choices")
	}
	content := resp.Choices[0].Message.Content

	var raw any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, pipeline.WrapTransient(fmt.Errorf("decoding model output: %w", err))
	}
	if err := fieldsSchema.Validate(raw); err != nil {
		return nil, pipeline.WrapTransient(fmt.Errorf("model output failed validation: %w", err))
	}

	var fields pipeline.DrawingFields
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return nil, pipeline.WrapTransient(fmt.Errorf("decoding model output: %w", err))
	}
	return &fields, nil
}

// merge fills blanks in dst from src. Rule hits stay untouched.
func merge(dst, src *pipeline.DrawingFields) {
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.DrawingNo == "" {
		dst.DrawingNo = src.DrawingNo
	}
	if dst.PartName == "" {
		dst.PartName = src.PartName
	}
	if dst.Material == "" {
		dst.Material = src.Material
	}
	if dst.SurfaceTreatment == "" {
		dst.SurfaceTreatment = src.SurfaceTreatment
	}
	if dst.ProcessNote == "" {
		dst.ProcessNote = src.ProcessNote
	}
	if dst.IssueDate == "" {
		dst.IssueDate = src.IssueDate
	}
	if len(dst.Tags) == 0 {
		dst.Tags = src.Tags
	}
}

func classifyLLMErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return pipeline.WrapTransient(err)
		}
		return pipeline.WrapPermanent(err)
	}
	// no API response at all, treat as network trouble
	return pipeline.WrapTransient(err)
}

// truncate caps s at n runes without splitting a multibyte character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}
