package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one generation call end to end.
const DefaultTimeout = 2 * time.Minute

// OllamaClient generates text against an Ollama-compatible HTTP API.
type OllamaClient struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOllamaClient creates a client for an Ollama-compatible endpoint.
func NewOllamaClient(baseURL, model string, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete returns the full response in one piece.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := c.do(ctx, prompt, false)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var resp generateResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return "", Failed(fmt.Errorf("decode response: %w", err))
	}
	return resp.Response, nil
}

// Stream delivers newline-delimited JSON chunks through fn in order and
// returns the accumulated text.
func (c *OllamaClient) Stream(ctx context.Context, prompt string, fn ChunkFunc) (string, error) {
	body, err := c.do(ctx, prompt, true)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var accumulated strings.Builder
	decoder := json.NewDecoder(body)
	for {
		var chunk generateResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", classify(fmt.Errorf("decode stream chunk: %w", err))
		}
		if chunk.Response != "" {
			accumulated.WriteString(chunk.Response)
			if fn != nil {
				if err := fn(chunk.Response); err != nil {
					return "", Failed(fmt.Errorf("chunk callback: %w", err))
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	return accumulated.String(), nil
}

func (c *OllamaClient) do(ctx context.Context, prompt string, stream bool) (io.ReadCloser, error) {
	payload, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: stream,
	})
	if err != nil {
		return nil, Failed(fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, Failed(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, Failed(fmt.Errorf("api error %d: %s", resp.StatusCode, string(detail)))
	}
	return &cancelReader{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelReader ties the request context to the body's lifetime so the
// deadline covers the whole stream, not just the headers.
type cancelReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelReader) Close() error {
	r.cancel()
	return r.ReadCloser.Close()
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut(err)
	}
	return Failed(err)
}
