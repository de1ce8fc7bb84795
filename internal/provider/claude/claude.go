package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/query-gateway/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	models  []string
	client  *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// overloadedStatus is Anthropic's non-standard "overloaded" response.
const overloadedStatus = 529

func New(baseURL, apiKey string, models []string) provider.Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		models:  models,
		client:  &http.Client{},
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	ctx, cancel := provider.WithTimeout(ctx, req)
	defer cancel()

	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, &provider.Error{Provider: p.Name(), Kind: provider.KindInvalidRequest, Err: err}
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, &provider.Error{Provider: p.Name(), Kind: provider.KindInvalidRequest, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.FromTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == overloadedStatus {
			return nil, &provider.Error{
				Provider: p.Name(),
				Kind:     provider.KindUnavailable,
				Status:   resp.StatusCode,
				Err:      fmt.Errorf("claude overloaded: %s", respBody),
			}
		}
		return nil, provider.FromStatus(p.Name(), resp.StatusCode, respBody)
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, provider.Malformed(p.Name(), err)
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, provider.Malformed(p.Name(), fmt.Errorf("no text content"))
	}

	model := claudeResp.Model
	if model == "" {
		model = req.Model
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Content:      text.String(),
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    []claudeMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
}

func (p *ClaudeProvider) Name() provider.ID {
	return provider.Claude
}

func (p *ClaudeProvider) SupportedModels() []string {
	return append([]string(nil), p.models...)
}
