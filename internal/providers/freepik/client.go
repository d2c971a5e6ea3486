package freepik

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"photopipe/internal/infra"
	"photopipe/internal/providers"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("freepik: api key is required")

// Options configures the Freepik segmentation client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client drives Freepik's asynchronous background-removal API: submit a
// multipart upload, poll the task, download the cutout (and mask when the
// vendor provides one).
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type submitResponse struct {
	Data struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	} `json:"data"`
}

type taskResponse struct {
	Data struct {
		TaskID    string   `json:"task_id"`
		Status    string   `json:"status"`
		Generated []string `json:"generated"`
		Error     string   `json:"error,omitempty"`
	} `json:"data"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.freepik.com/v1"
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
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit uploads the source image and opens a segmentation task. When the
// input only carries a source URL the bytes are downloaded in full first so
// the vendor call does not depend on the origin URL staying alive.
func (c *Client) Submit(ctx context.Context, in providers.Input) (providers.Handle, error) {
	if !c.HasCredentials() {
		return providers.Handle{}, ErrMissingAPIKey
	}
	data := in.Image
	if len(data) == 0 {
		if in.SourceURL == "" {
			return providers.Handle{}, providers.Fatalf(providers.KindSegment, "no source image")
		}
		var err error
		data, err = c.Fetch(ctx, in.SourceURL)
		if err != nil {
			return providers.Handle{}, err
		}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("image", "source.png")
	if err != nil {
		return providers.Handle{}, fmt.Errorf("freepik: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return providers.Handle{}, fmt.Errorf("freepik: write form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return providers.Handle{}, fmt.Errorf("freepik: close form: %w", err)
	}

	endpoint := c.baseURL + "/ai/remove-background"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return providers.Handle{}, fmt.Errorf("freepik: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("x-freepik-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.Handle{}, providers.WrapTransient(providers.KindSegment, "submit", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.Handle{}, providers.WrapTransient(providers.KindSegment, "read submit response", err)
	}
	if resp.StatusCode >= 300 {
		return providers.Handle{}, providers.StatusError(providers.KindSegment, resp.StatusCode, apiMessage(raw))
	}

	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return providers.Handle{}, providers.WrapFatal(providers.KindSegment, "decode submit response", err)
	}
	if decoded.Data.TaskID == "" {
		return providers.Handle{}, providers.Fatalf(providers.KindSegment, "submit returned no task id")
	}

	c.logger.Debug().
		Str("task_id", decoded.Data.TaskID).
		Msg("freepik: segmentation task submitted")

	return providers.Handle{
		TaskID:      decoded.Data.TaskID,
		Kind:        providers.KindSegment,
		SubmittedAt: time.Now(),
	}, nil
}

// Poll performs one non-blocking task status check.
func (c *Client) Poll(ctx context.Context, h providers.Handle) (providers.PollResult, error) {
	endpoint := fmt.Sprintf("%s/ai/remove-background/%s", c.baseURL, h.TaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.PollResult{}, fmt.Errorf("freepik: build poll request: %w", err)
	}
	req.Header.Set("x-freepik-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.PollResult{}, providers.WrapTransient(providers.KindSegment, "poll", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.PollResult{}, providers.WrapTransient(providers.KindSegment, "read poll response", err)
	}
	if resp.StatusCode >= 300 {
		return providers.PollResult{}, providers.StatusError(providers.KindSegment, resp.StatusCode, apiMessage(raw))
	}

	var decoded taskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return providers.PollResult{}, providers.WrapFatal(providers.KindSegment, "decode poll response", err)
	}

	switch strings.ToUpper(decoded.Data.Status) {
	case "COMPLETED", "DONE":
		return providers.PollResult{State: providers.StateDone, ResultURLs: decoded.Data.Generated}, nil
	case "FAILED", "ERROR":
		return providers.PollResult{State: providers.StateFailed, Reason: decoded.Data.Error}, nil
	default:
		return providers.PollResult{State: providers.StatePending}, nil
	}
}

// Fetch downloads one result URL. Freepik result URLs expire within minutes,
// so callers must invoke this immediately after a DONE poll.
func (c *Client) Fetch(ctx context.Context, resultURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("freepik: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, providers.WrapTransient(providers.KindSegment, "download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, providers.StatusError(providers.KindSegment, resp.StatusCode, "download")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.WrapTransient(providers.KindSegment, "read download", err)
	}
	return data, nil
}

func apiMessage(raw []byte) string {
	var detail errorResponse
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
		return detail.Message
	}
	return strings.TrimSpace(string(raw))
}

var _ providers.Operation = (*Client)(nil)
