package cad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider turns a natural-language prompt into DXF text.
type Provider interface {
	GenerateDXF(ctx context.Context, prompt string) (string, error)
}

const systemPrompt = `You are a CAD assistant. Convert the user's description into a complete, valid DXF file. Respond with the DXF content only, no explanations and no markdown fences.`

type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error"`
}

func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   model,
		httpClient: &http.Client{
			// Local model inference is slow; generation regularly takes
			// over a minute.
			Timeout: 120 * time.Second,
		},
	}
}

func (o *Ollama) GenerateDXF(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	payload, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.model,
		Prompt: systemPrompt + "\n\n" + prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": 0.7,
			"top_p":       0.9,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read generate response: %w", err)
	}

	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != "" {
			return "", fmt.Errorf("generate failed: %s", parsed.Error)
		}
		return "", fmt.Errorf("generate failed with status %d", resp.StatusCode)
	}

	if strings.TrimSpace(parsed.Response) == "" {
		return "", fmt.Errorf("generate response missing content")
	}

	return parsed.Response, nil
}

// Custom is a placeholder for a self-hosted model endpoint. Selecting it
// without finishing the integration fails loudly instead of silently
// producing nothing.
type Custom struct{}

func (Custom) GenerateDXF(context.Context, string) (string, error) {
	return "", fmt.Errorf("custom provider is not configured")
}

func NewProvider(name, ollamaBaseURL, ollamaModel string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ollama":
		return NewOllama(ollamaBaseURL, ollamaModel), nil
	case "custom":
		return Custom{}, nil
	default:
		return nil, fmt.Errorf("unknown cad provider %q", name)
	}
}
