package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"photopipe/internal/infra"
	"photopipe/internal/providers"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("gemini: api key is required")

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client speaks the Gemini long-running image API: a predictLongRunning
// submit returns an operation name, the operation is polled until done, and
// results arrive as inline base64 bytes or short-lived file URIs.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters *predictParams    `json:"parameters,omitempty"`
}

type predictInstance struct {
	Prompt         string       `json:"prompt,omitempty"`
	Image          *inlineImage `json:"image,omitempty"`
	ReferenceImage *inlineImage `json:"referenceImage,omitempty"`
}

type inlineImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded,omitempty"`
	MimeType           string `json:"mimeType,omitempty"`
}

type predictParams struct {
	SampleCount int `json:"sampleCount,omitempty"`
}

type operationResponse struct {
	Name     string    `json:"name"`
	Done     bool      `json:"done"`
	Error    *opError  `json:"error,omitempty"`
	Response *opResult `json:"response,omitempty"`
}

type opError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type opResult struct {
	Predictions []opPrediction `json:"predictions,omitempty"`
}

type opPrediction struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded,omitempty"`
	MimeType           string `json:"mimeType,omitempty"`
	FileURI            string `json:"fileUri,omitempty"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may
// provide a nil HTTP client; a reusable one with sensible timeouts is created.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-2.5-flash-image"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

func (c *Client) submit(ctx context.Context, kind providers.Kind, payload predictRequest) (providers.Handle, error) {
	if !c.HasCredentials() {
		return providers.Handle{}, ErrMissingAPIKey
	}
	endpoint := fmt.Sprintf("%s/models/%s:predictLongRunning", c.baseURL, url.PathEscape(c.model))
	body, err := json.Marshal(payload)
	if err != nil {
		return providers.Handle{}, fmt.Errorf("gemini: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return providers.Handle{}, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.Handle{}, providers.WrapTransient(kind, "submit", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.Handle{}, providers.WrapTransient(kind, "read submit response", err)
	}
	if resp.StatusCode >= 300 {
		return providers.Handle{}, providers.StatusError(kind, resp.StatusCode, apiMessage(raw))
	}

	var op operationResponse
	if err := json.Unmarshal(raw, &op); err != nil {
		return providers.Handle{}, providers.WrapFatal(kind, "decode submit response", err)
	}
	if op.Name == "" {
		return providers.Handle{}, providers.Fatalf(kind, "submit returned no operation name")
	}

	c.logger.Debug().
		Str("operation", op.Name).
		Str("model", c.model).
		Msg("gemini: operation submitted")

	return providers.Handle{TaskID: op.Name, Kind: kind, SubmittedAt: time.Now()}, nil
}

func (c *Client) poll(ctx context.Context, h providers.Handle) (providers.PollResult, error) {
	endpoint := c.baseURL + "/" + strings.TrimLeft(h.TaskID, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.PollResult{}, fmt.Errorf("gemini: build poll request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.PollResult{}, providers.WrapTransient(h.Kind, "poll", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.PollResult{}, providers.WrapTransient(h.Kind, "read poll response", err)
	}
	if resp.StatusCode >= 300 {
		return providers.PollResult{}, providers.StatusError(h.Kind, resp.StatusCode, apiMessage(raw))
	}

	var op operationResponse
	if err := json.Unmarshal(raw, &op); err != nil {
		return providers.PollResult{}, providers.WrapFatal(h.Kind, "decode poll response", err)
	}
	if !op.Done {
		return providers.PollResult{State: providers.StatePending}, nil
	}
	if op.Error != nil {
		return providers.PollResult{State: providers.StateFailed, Reason: op.Error.Message}, nil
	}

	result := providers.PollResult{State: providers.StateDone}
	if op.Response != nil {
		for _, pred := range op.Response.Predictions {
			if pred.BytesBase64Encoded != "" {
				data, err := base64.StdEncoding.DecodeString(pred.BytesBase64Encoded)
				if err != nil {
					return providers.PollResult{}, providers.WrapFatal(h.Kind, "decode inline result", err)
				}
				result.Inline = append(result.Inline, data)
				continue
			}
			if pred.FileURI != "" {
				result.ResultURLs = append(result.ResultURLs, pred.FileURI)
			}
		}
	}
	return result, nil
}

// Fetch downloads a file URI result; these are vendor-expiring and must be
// pulled immediately after a DONE poll.
func (c *Client) Fetch(ctx context.Context, resultURL string) ([]byte, error) {
	target := resultURL
	if !strings.HasPrefix(resultURL, "http://") && !strings.HasPrefix(resultURL, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(resultURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: build download request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.WrapTransient(providers.KindBackground, "download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, providers.StatusError(providers.KindBackground, resp.StatusCode, "download")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.WrapTransient(providers.KindBackground, "read download", err)
	}
	return data, nil
}

// downloadSource pulls a merchant-supplied image over plain HTTP. No API key
// travels with the request; the URL belongs to a third party.
func (c *Client) downloadSource(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: build source request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.WrapTransient(providers.KindComposite, "download source", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, providers.StatusError(providers.KindComposite, resp.StatusCode, "download source")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.WrapTransient(providers.KindComposite, "read source", err)
	}
	return data, nil
}

func apiMessage(raw []byte) string {
	var detail apiErrorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
		return detail.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// BackgroundOp generates themed background scenes.
type BackgroundOp struct {
	client *Client
}

// NewBackgroundOp wraps the client as a generate-background operation.
func NewBackgroundOp(client *Client) *BackgroundOp {
	return &BackgroundOp{client: client}
}

func (o *BackgroundOp) Submit(ctx context.Context, in providers.Input) (providers.Handle, error) {
	variants := in.Variants
	if variants <= 0 {
		variants = 1
	}
	prompt := in.Prompt
	if prompt == "" {
		prompt = BackgroundPrompt(in.Theme, variants)
	}
	payload := predictRequest{
		Instances:  []predictInstance{{Prompt: prompt}},
		Parameters: &predictParams{SampleCount: variants},
	}
	return o.client.submit(ctx, providers.KindBackground, payload)
}

func (o *BackgroundOp) Poll(ctx context.Context, h providers.Handle) (providers.PollResult, error) {
	return o.client.poll(ctx, h)
}

func (o *BackgroundOp) Fetch(ctx context.Context, resultURL string) ([]byte, error) {
	return o.client.Fetch(ctx, resultURL)
}

// CompositeOp places a product cutout onto a background scene. The cutout
// travels as the instance image and the background as the reference image,
// both inline base64; Gemini requires inline payloads rather than URLs.
type CompositeOp struct {
	client *Client
}

// NewCompositeOp wraps the client as a composite operation.
func NewCompositeOp(client *Client) *CompositeOp {
	return &CompositeOp{client: client}
}

func (o *CompositeOp) Submit(ctx context.Context, in providers.Input) (providers.Handle, error) {
	image := in.Image
	if len(image) == 0 && in.SourceURL != "" {
		data, err := o.client.downloadSource(ctx, in.SourceURL)
		if err != nil {
			return providers.Handle{}, err
		}
		image = data
	}
	if len(image) == 0 {
		return providers.Handle{}, providers.Fatalf(providers.KindComposite, "no product image")
	}
	prompt := in.Prompt
	if prompt == "" {
		if len(in.RefImage) > 0 {
			prompt = CompositePrompt(in.Theme)
		} else {
			prompt = EditPrompt(in.Theme)
		}
	}
	instance := predictInstance{
		Prompt: prompt,
		Image: &inlineImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(image),
			MimeType:           "image/png",
		},
	}
	if len(in.RefImage) > 0 {
		instance.ReferenceImage = &inlineImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(in.RefImage),
			MimeType:           "image/png",
		}
	}
	return o.client.submit(ctx, providers.KindComposite, predictRequest{Instances: []predictInstance{instance}})
}

func (o *CompositeOp) Poll(ctx context.Context, h providers.Handle) (providers.PollResult, error) {
	return o.client.poll(ctx, h)
}

func (o *CompositeOp) Fetch(ctx context.Context, resultURL string) ([]byte, error) {
	return o.client.Fetch(ctx, resultURL)
}

var (
	_ providers.Operation = (*BackgroundOp)(nil)
	_ providers.Operation = (*CompositeOp)(nil)
)
