package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"photopipe/internal/domain"
)

func TestJobAssetsSignsEveryKey(t *testing.T) {
	app, store, _ := newTestApp()
	job := baseJob()
	job.Status = domain.StatusDone
	job.CutoutKey = "products/MUG-042/c0ffee/cutout.png"
	job.CompositeKeys = []string{
		"products/MUG-042/c0ffee/composites/rustic-kitchen/variant-1.png",
		"products/MUG-042/c0ffee/composites/rustic-kitchen/variant-2.png",
	}
	job.ManifestKey = "products/MUG-042/c0ffee/manifest/rustic-kitchen.json"
	seeded := seedHandlerJob(t, store, job)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/x/assets", nil), "id", seeded.ID)
	rec := httptest.NewRecorder()
	app.JobAssets(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp assetsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cutout == nil || !strings.HasPrefix(resp.Cutout.URL, "https://signed.test/") {
		t.Fatalf("cutout link = %+v", resp.Cutout)
	}
	if resp.Mask != nil {
		t.Fatalf("mask link for job without mask: %+v", resp.Mask)
	}
	if len(resp.Composites) != 2 || resp.Manifest == nil {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Composites[0].Key != job.CompositeKeys[0] {
		t.Fatalf("composite key = %q", resp.Composites[0].Key)
	}
}

// failingPresign refuses to sign one key so partial listings can be probed.
type failingPresign struct {
	*stubObjects
	failKey string
}

func (f *failingPresign) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if key == f.failKey {
		return "", errors.New("signer unavailable")
	}
	return f.stubObjects.PresignGet(ctx, key, ttl)
}

func TestJobAssetsPresignFailureFailsWholeRequest(t *testing.T) {
	app, store, objects := newTestApp()
	job := baseJob()
	job.Status = domain.StatusDone
	job.CutoutKey = "products/MUG-042/c0ffee/cutout.png"
	job.DerivativeKeys = []string{"products/MUG-042/c0ffee/derivatives/rustic-kitchen/variant-1/512.png"}
	job.ManifestKey = "products/MUG-042/c0ffee/manifest/rustic-kitchen.json"
	seeded := seedHandlerJob(t, store, job)

	// Any single failing key fails the listing, whichever slot it sits in.
	for _, failKey := range []string{job.DerivativeKeys[0], job.ManifestKey} {
		app.Objects = &failingPresign{stubObjects: objects, failKey: failKey}
		req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/x/assets", nil), "id", seeded.ID)
		rec := httptest.NewRecorder()
		app.JobAssets(rec, req)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("failing %s: status = %d, want 500", failKey, rec.Code)
		}
	}
}

func TestJobAssetsArchive(t *testing.T) {
	app, store, objects := newTestApp()
	job := baseJob()
	job.Status = domain.StatusDone
	job.CompositeKeys = []string{"products/MUG-042/c0ffee/composites/rustic-kitchen/variant-1.png"}
	job.DerivativeKeys = []string{
		"products/MUG-042/c0ffee/derivatives/rustic-kitchen/variant-1/512.png",
		"products/MUG-042/c0ffee/derivatives/rustic-kitchen/variant-1/512.jpeg",
	}
	for _, key := range append(job.CompositeKeys, job.DerivativeKeys...) {
		if err := objects.Put(context.Background(), key, []byte("bytes-of-"+key), "image/png"); err != nil {
			t.Fatalf("seed object: %v", err)
		}
	}
	seeded := seedHandlerJob(t, store, job)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/x/assets/archive", nil), "id", seeded.ID)
	rec := httptest.NewRecorder()
	app.JobAssetsArchive(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content type = %q", ct)
	}

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 3 {
		t.Fatalf("archive entries = %d, want 3", len(zr.File))
	}
	names := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, key := range append(job.CompositeKeys, job.DerivativeKeys...) {
		if !names[key] {
			t.Fatalf("archive missing %s", key)
		}
	}
}

func TestJobAssetsArchiveWithoutOutputs(t *testing.T) {
	app, store, _ := newTestApp()
	seeded := seedHandlerJob(t, store, baseJob())

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/jobs/x/assets/archive", nil), "id", seeded.ID)
	rec := httptest.NewRecorder()
	app.JobAssetsArchive(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}
