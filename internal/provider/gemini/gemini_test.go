package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/query-gateway/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/gemini-2.0-flash:generateContent") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "" {
			t.Error("Credential must not travel in the query string")
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("Expected api key header, got %q", r.Header.Get("x-goog-api-key"))
		}
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Parts: []geminiPart{{Text: "Hello from mock!"}},
					},
				},
			},
			UsageMetadata: geminiUsageMetadata{
				PromptTokenCount:     10,
				CandidatesTokenCount: 20,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := New(server.URL, "test-key", []string{"gemini-2.0-flash"})

	resp, err := p.Complete(context.Background(), &provider.Request{Model: "gemini-2.0-flash", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from mock!" {
		t.Errorf("Expected 'Hello from mock!', got %s", resp.Content)
	}
	if resp.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.InputTokens)
	}
	if resp.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.OutputTokens)
	}
	if resp.Model != "gemini-2.0-flash" {
		t.Errorf("Expected model echoed from request, got %s", resp.Model)
	}
}

func TestMapRequest_SystemInstruction(t *testing.T) {
	var captured geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		_ = json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{{Content: geminiContent{Parts: []geminiPart{{Text: "ok"}}}}},
		})
	}))
	defer server.Close()

	p := New(server.URL, "k", nil)
	_, err := p.Complete(context.Background(), &provider.Request{Model: "gemini-1.5-pro", Prompt: "hi", System: "shop assistant", MaxTokens: 64})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if captured.SystemInstruction == nil || captured.SystemInstruction.Parts[0].Text != "shop assistant" {
		t.Errorf("Expected system instruction, got %+v", captured.SystemInstruction)
	}
	if captured.GenerationConfig.MaxOutputTokens != 64 {
		t.Errorf("Expected maxOutputTokens 64, got %d", captured.GenerationConfig.MaxOutputTokens)
	}
}

func TestComplete_NoCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geminiResponse{})
	}))
	defer server.Close()

	p := New(server.URL, "k", nil)
	_, err := p.Complete(context.Background(), &provider.Request{Model: "gemini-1.5-pro", Prompt: "hi"})
	if got := provider.KindOf(err); got != provider.KindUnavailable {
		t.Errorf("Expected unavailable, got %s", got)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := New(server.URL, "k", nil)
	_, err := p.Complete(context.Background(), &provider.Request{Model: "gemini-1.5-pro", Prompt: "hi"})
	if got := provider.KindOf(err); got != provider.KindRateLimited {
		t.Errorf("Expected rate_limited, got %s", got)
	}
}

func TestName(t *testing.T) {
	p := New("", "key", nil)
	if p.Name() != provider.Gemini {
		t.Errorf("Expected 'gemini', got %s", p.Name())
	}
}
