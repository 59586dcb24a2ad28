package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/taleforge/taleforge/internal/errors"
)

func TestCompleteReturnsFullResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		if req.Prompt != "describe the reef" {
			t.Errorf("unexpected prompt %q", req.Prompt)
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "The reef glows.", Done: true})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model", time.Second)
	text, err := client.Complete(context.Background(), "describe the reef")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "The reef glows." {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoder := json.NewEncoder(w)
		_ = encoder.Encode(generateResponse{Response: "The tide "})
		_ = encoder.Encode(generateResponse{Response: "pulls back."})
		_ = encoder.Encode(generateResponse{Done: true})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model", time.Second)
	var chunks []string
	text, err := client.Stream(context.Background(), "prompt", func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "The tide pulls back." {
		t.Fatalf("unexpected accumulated text %q", text)
	}
	if len(chunks) != 2 || chunks[0] != "The tide " || chunks[1] != "pulls back." {
		t.Fatalf("unexpected chunks %v", chunks)
	}
}

func TestStreamSurfacesServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model", time.Second)
	_, err := client.Stream(context.Background(), "prompt", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if apperrors.CodeOf(err) != apperrors.CodeGenerationFailed {
		t.Fatalf("expected GENERATION_FAILED, got %s", apperrors.CodeOf(err))
	}
}

func TestStreamTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewOllamaClient(server.URL, "test-model", 50*time.Millisecond)
	_, err := client.Stream(context.Background(), "prompt", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	code := apperrors.CodeOf(err)
	if code != apperrors.CodeGenerationTimedOut {
		t.Fatalf("expected GENERATION_TIMED_OUT, got %s", code)
	}
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) || !domainErr.Code.Retryable() {
		t.Fatalf("expected retryable domain error, got %v", err)
	}
}

func TestStreamAbortsOnCallbackError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoder := json.NewEncoder(w)
		_ = encoder.Encode(generateResponse{Response: "first"})
		_ = encoder.Encode(generateResponse{Response: "second"})
		_ = encoder.Encode(generateResponse{Done: true})
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model", time.Second)
	boom := errors.New("client gone")
	_, err := client.Stream(context.Background(), "prompt", func(chunk string) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
