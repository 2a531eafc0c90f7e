package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/zumen-connect/drawing-worker/internal/objstore"
	"github.com/zumen-connect/drawing-worker/internal/pipeline"
)

// HTTPModelConverter asks the conversion service to lift the 2D drawing into
// a 3D model and stores the returned model next to the page artifacts. A 422
// from the service means the geometry cannot be lifted at all, which no retry
// will change.
type HTTPModelConverter struct {
	objects objstore.Store
	client  *http.Client
	baseURL string
}

var _ pipeline.ModelConverter = (*HTTPModelConverter)(nil)

func NewHTTPModelConverter(objects objstore.Store, baseURL string, timeout time.Duration) *HTTPModelConverter {
	return &HTTPModelConverter{
		objects: objects,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type convertRequest struct {
	JobID      string                  `json:"job_id"`
	DrawingRef string                  `json:"drawing_ref"`
	PageKeys   []string                `json:"page_keys"`
	Fields     *pipeline.DrawingFields `json:"fields,omitempty"`
}

func (c *HTTPModelConverter) Convert(ctx context.Context, in pipeline.ConvertInput) (*pipeline.ArtifactRef, error) {
	if len(in.Pages) == 0 {
		return nil, pipeline.NewPermanentError("no page artifacts to convert")
	}

	keys := make([]string, len(in.Pages))
	for i, p := range in.Pages {
		keys[i] = p.ObjectKey
	}
	payload, err := json.Marshal(convertRequest{
		JobID:      in.JobID,
		DrawingRef: in.DrawingRef,
		PageKeys:   keys,
		Fields:     in.Fields,
	})
	if err != nil {
		return nil, pipeline.WrapPermanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/convert", bytes.NewReader(payload))
	if err != nil {
		return nil, pipeline.WrapPermanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, pipeline.WrapTransient(fmt.Errorf("calling convert service: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("convert service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, pipeline.WrapTransient(err)
		}
		return nil, pipeline.WrapPermanent(err)
	}

	model, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeline.WrapTransient(fmt.Errorf("reading model: %w", err))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "model/step"
	}

	// the model lives next to the page images of the same job
	key := path.Dir(in.Pages[0].ObjectKey) + "/model.step"
	info, err := c.objects.Put(ctx, key, model, contentType)
	if err != nil {
		return nil, classifyObjstoreErr(err)
	}

	return &pipeline.ArtifactRef{ObjectKey: info.Key, MimeType: contentType, SizeBytes: info.SizeBytes}, nil
}
