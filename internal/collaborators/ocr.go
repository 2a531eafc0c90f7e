package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zumen-connect/drawing-worker/internal/objstore"
	"github.com/zumen-connect/drawing-worker/internal/pipeline"
)

// HTTPOCREngine sends page images to the OCR service and decodes the
// recognized text with word boxes. Rate limits, 5xx and network failures are
// transient; any other 4xx means the page itself is unprocessable.
type HTTPOCREngine struct {
	objects objstore.Store
	client  *http.Client
	baseURL string
	apiKey  string
}

var _ pipeline.OCREngine = (*HTTPOCREngine)(nil)

func NewHTTPOCREngine(objects objstore.Store, baseURL, apiKey string, timeout time.Duration) *HTTPOCREngine {
	return &HTTPOCREngine{
		objects: objects,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type ocrResponse struct {
	Text       string             `json:"text"`
	Confidence float64            `json:"confidence"`
	Words      []pipeline.WordBox `json:"words"`
}

func (e *HTTPOCREngine) Recognize(ctx context.Context, page pipeline.PageArtifact) (*pipeline.PageText, error) {
	rc, err := e.objects.Get(ctx, page.ObjectKey)
	if err != nil {
		return nil, classifyObjstoreErr(err)
	}
	defer rc.Close()

	img, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyObjstoreErr(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/recognize", bytes.NewReader(img))
	if err != nil {
		return nil, pipeline.WrapPermanent(err)
	}
	req.Header.Set("Content-Type", page.MimeType)
	if e.apiKey != "" {
		req.Header.Set("X-Api-Key", e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, pipeline.WrapTransient(fmt.Errorf("calling ocr service: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("ocr service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, pipeline.WrapTransient(err)
		}
		return nil, pipeline.WrapPermanent(err)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, pipeline.WrapTransient(fmt.Errorf("decoding ocr response: %w", err))
	}

	return &pipeline.PageText{
		PageNo:     page.PageNo,
		Text:       out.Text,
		Words:      out.Words,
		Confidence: out.Confidence,
	}, nil
}
