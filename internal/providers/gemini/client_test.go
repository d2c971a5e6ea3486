package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"photopipe/internal/providers"
)

func TestBackgroundOpSubmitAndPoll(t *testing.T) {
	inline := base64.StdEncoding.EncodeToString([]byte("scene-bytes"))
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var payload map[string]any
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode submit payload: %v", err)
			}
			if _, ok := payload["instances"]; !ok {
				t.Errorf("submit payload missing instances")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"name": "operations/op-7", "done": false})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name": "operations/op-7",
				"done": true,
				"response": map[string]any{
					"predictions": []map[string]any{
						{"bytesBase64Encoded": inline, "mimeType": "image/png"},
						{"bytesBase64Encoded": inline, "mimeType": "image/png"},
					},
				},
			})
		}
	}))
	defer vendor.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: vendor.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	op := NewBackgroundOp(client)

	handle, err := op.Submit(context.Background(), providers.Input{Prompt: "scene", Variants: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle.TaskID != "operations/op-7" || handle.Kind != providers.KindBackground {
		t.Fatalf("handle = %+v", handle)
	}

	result, err := op.Poll(context.Background(), handle)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.State != providers.StateDone || len(result.Inline) != 2 {
		t.Fatalf("result = %+v", result)
	}
	if string(result.Inline[0]) != "scene-bytes" {
		t.Fatalf("inline bytes = %q", result.Inline[0])
	}
}

func TestPollPendingAndVendorError(t *testing.T) {
	responses := []map[string]any{
		{"name": "operations/op-1", "done": false},
		{"name": "operations/op-1", "done": true, "error": map[string]any{"code": 3, "message": "unsupported image"}},
	}
	var call int
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(responses[call])
		call++
	}))
	defer vendor.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: vendor.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	op := NewCompositeOp(client)
	handle := providers.Handle{TaskID: "operations/op-1", Kind: providers.KindComposite}

	result, err := op.Poll(context.Background(), handle)
	if err != nil || result.State != providers.StatePending {
		t.Fatalf("first poll = %+v, %v", result, err)
	}
	result, err = op.Poll(context.Background(), handle)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if result.State != providers.StateFailed || result.Reason != "unsupported image" {
		t.Fatalf("second poll = %+v", result)
	}
}

func TestCompositeOpInlinesBothImages(t *testing.T) {
	var captured predictRequest
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "operations/op-2"})
	}))
	defer vendor.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: vendor.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	op := NewCompositeOp(client)
	_, err = op.Submit(context.Background(), providers.Input{
		Prompt:   "compose",
		Image:    []byte("cutout"),
		RefImage: []byte("background"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(captured.Instances) != 1 {
		t.Fatalf("instances = %d", len(captured.Instances))
	}
	inst := captured.Instances[0]
	if inst.Image == nil || inst.Image.BytesBase64Encoded != base64.StdEncoding.EncodeToString([]byte("cutout")) {
		t.Fatal("cutout not inlined")
	}
	if inst.ReferenceImage == nil || inst.ReferenceImage.BytesBase64Encoded != base64.StdEncoding.EncodeToString([]byte("background")) {
		t.Fatal("background not inlined")
	}
}

func TestBackgroundOpDerivesPromptFromTheme(t *testing.T) {
	var captured predictRequest
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "operations/op-3"})
	}))
	defer vendor.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: vendor.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	op := NewBackgroundOp(client)
	if _, err := op.Submit(context.Background(), providers.Input{Theme: "rustic-kitchen", Variants: 2}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if want := BackgroundPrompt("rustic-kitchen", 2); captured.Instances[0].Prompt != want {
		t.Fatalf("prompt = %q, want %q", captured.Instances[0].Prompt, want)
	}
}

func TestCompositeOpDownloadsSourceWhenNoImage(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "" {
			t.Error("api key leaked to third-party source host")
		}
		_, _ = w.Write([]byte("raw-product-photo"))
	}))
	defer source.Close()

	var captured predictRequest
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "operations/op-4"})
	}))
	defer vendor.Close()

	client, err := NewClient(Options{APIKey: "k", BaseURL: vendor.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	op := NewCompositeOp(client)
	if _, err := op.Submit(context.Background(), providers.Input{SourceURL: source.URL + "/mug.jpg", Theme: "studio"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	inst := captured.Instances[0]
	if inst.Image == nil || inst.Image.BytesBase64Encoded != base64.StdEncoding.EncodeToString([]byte("raw-product-photo")) {
		t.Fatal("source bytes not downloaded and inlined")
	}
	if inst.ReferenceImage != nil {
		t.Fatal("unexpected reference image")
	}
	if want := EditPrompt("studio"); inst.Prompt != want {
		t.Fatalf("prompt = %q, want %q", inst.Prompt, want)
	}
}

func TestCompositeOpRejectsMissingImage(t *testing.T) {
	client, err := NewClient(Options{APIKey: "k"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	op := NewCompositeOp(client)
	_, err = op.Submit(context.Background(), providers.Input{Prompt: "compose"})
	if err == nil || providers.IsTransient(err) {
		t.Fatalf("missing image should be fatal, got %v", err)
	}
}
