package pipeline

import (
	"bytes"
	"context"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"

	"photopipe/internal/domain"
	"photopipe/internal/objstore"
)

// The fixed derivative matrix. Every composite variant fans out into one
// artifact per (size, format) pair; sizes are bounding-box edges in pixels.
var (
	derivativeSizes   = []int{2048, 1024, 512}
	derivativeFormats = []string{"jpeg", "png", "gif"}
)

const fanOutWorkers = 4

// fanOut renders the full derivative matrix for every composite the job
// produced. The work is embarrassingly parallel and individually idempotent:
// a pair whose object already exists is skipped, so a retry after partial
// failure redoes only the missing subset.
func (p *Processor) fanOut(ctx context.Context, job *domain.Job) ([]string, error) {
	keys := make([]string, 0, len(job.CompositeKeys)*len(derivativeSizes)*len(derivativeFormats))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutWorkers)
	for i, compositeKey := range job.CompositeKeys {
		variant := i + 1
		data, err := p.objects.Get(ctx, compositeKey)
		if err != nil {
			return nil, wrapStorage(err)
		}
		src, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fatalf("decode composite %s: %v", compositeKey, err)
		}
		for _, size := range derivativeSizes {
			for _, format := range derivativeFormats {
				key := objstore.DerivativeKey(job.SKU, job.ContentHash, job.Theme, variant, size, format)
				keys = append(keys, key)
				size, format, key := size, format, key
				g.Go(func() error {
					return p.renderOne(gctx, src, size, format, key)
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *Processor) renderOne(ctx context.Context, src image.Image, size int, format, key string) error {
	if ok, err := p.objects.Exists(ctx, key); err == nil && ok {
		return nil
	}
	encoded, contentType, err := renderDerivative(src, size, format)
	if err != nil {
		return err
	}
	if err := p.objects.Put(ctx, key, encoded, contentType); err != nil {
		return wrapStorage(err)
	}
	return nil
}

// renderDerivative scales src down to fit a size×size box and re-encodes it.
// Images already smaller than the box keep their dimensions.
func renderDerivative(src image.Image, size int, format string) ([]byte, string, error) {
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return nil, "", fatalf("derivative format %q: %v", format, err)
	}
	resized := imaging.Fit(src, size, size, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, f, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fatalf("encode %s derivative: %v", format, err)
	}
	return buf.Bytes(), "image/" + format, nil
}
