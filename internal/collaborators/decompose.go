package collaborators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"

	"github.com/gen2brain/go-fitz"
	"github.com/minio/minio-go/v7"

	"github.com/zumen-connect/drawing-worker/internal/objstore"
	"github.com/zumen-connect/drawing-worker/internal/pipeline"
)

const (
	pageDPI      = 150
	thumbnailDPI = 36
)

// PDFDecomposer rasterizes the referenced PDF into one PNG per page plus a
// first-page thumbnail, all stored next to each other in the object store.
type PDFDecomposer struct {
	objects objstore.Store
}

var _ pipeline.Decomposer = (*PDFDecomposer)(nil)

func NewPDFDecomposer(objects objstore.Store) *PDFDecomposer {
	return &PDFDecomposer{objects: objects}
}

func (d *PDFDecomposer) Decompose(ctx context.Context, in pipeline.DecomposeInput) ([]pipeline.PageArtifact, *pipeline.ArtifactRef, error) {
	rc, err := d.objects.Get(ctx, in.DrawingRef)
	if err != nil {
		return nil, nil, classifyObjstoreErr(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, classifyObjstoreErr(err)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, nil, pipeline.WrapPermanent(fmt.Errorf("opening drawing %s: %w", in.DrawingRef, err))
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, nil, pipeline.NewPermanentError("drawing %s has no pages", in.DrawingRef)
	}

	prefix := fmt.Sprintf("drawings/%s/%s", in.OrgID, in.JobID)
	pages := make([]pipeline.PageArtifact, 0, pageCount)

	for n := 0; n < pageCount; n++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		img, err := doc.ImageDPI(n, pageDPI)
		if err != nil {
			return nil, nil, pipeline.WrapPermanent(fmt.Errorf("rendering page %d: %w", n+1, err))
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, nil, pipeline.WrapPermanent(fmt.Errorf("encoding page %d: %w", n+1, err))
		}

		key := fmt.Sprintf("%s/page_%03d.png", prefix, n+1)
		info, err := d.objects.Put(ctx, key, buf.Bytes(), "image/png")
		if err != nil {
			return nil, nil, classifyObjstoreErr(err)
		}

		bounds := img.Bounds()
		pages = append(pages, pipeline.PageArtifact{
			PageNo:    n + 1,
			ObjectKey: info.Key,
			MimeType:  "image/png",
			SizeBytes: info.SizeBytes,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
		})
	}

	thumb, err := d.renderThumbnail(ctx, doc, prefix)
	if err != nil {
		return nil, nil, err
	}

	return pages, thumb, nil
}

func (d *PDFDecomposer) renderThumbnail(ctx context.Context, doc *fitz.Document, prefix string) (*pipeline.ArtifactRef, error) {
	img, err := doc.ImageDPI(0, thumbnailDPI)
	if err != nil {
		return nil, pipeline.WrapPermanent(fmt.Errorf("rendering thumbnail: %w", err))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, pipeline.WrapPermanent(fmt.Errorf("encoding thumbnail: %w", err))
	}
	info, err := d.objects.Put(ctx, prefix+"/thumb.png", buf.Bytes(), "image/png")
	if err != nil {
		return nil, classifyObjstoreErr(err)
	}
	return &pipeline.ArtifactRef{ObjectKey: info.Key, MimeType: "image/png", SizeBytes: info.SizeBytes}, nil
}

// classifyObjstoreErr treats a missing source object as permanent (the upload
// will never appear by retrying) and everything else as transient.
func classifyObjstoreErr(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket") {
		return pipeline.WrapPermanent(err)
	}
	return pipeline.WrapTransient(err)
}
