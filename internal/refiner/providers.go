package refiner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

const (
	groqBaseURL = "https://api.groq.com/openai/v1"
	groqModel   = "llama-3.3-70b-versatile"

	// cooldownWindow is how long a rate-limited top-priority model stays
	// excluded from the candidate order.
	cooldownWindow = time.Hour

	providerTimeout = 20 * time.Second
)

// geminiModels is the fixed preference order for the multi-model provider.
var geminiModels = []string{
	"gemini-3-flash-preview",
	"gemini-2.5-flash-lite",
	"gemini-2.0-flash-latest",
}

// GroqProvider drives Groq's OpenAI-compatible chat-completions API with a
// JSON response format.
type GroqProvider struct {
	client *openai.Client
}

// NewGroqProvider returns a provider for the given key, or nil when the key
// is empty (the provider is then skipped entirely).
func NewGroqProvider(apiKey string) *GroqProvider {
	return newGroqProvider(apiKey, groqBaseURL)
}

func newGroqProvider(apiKey, baseURL string) *GroqProvider {
	if apiKey == "" {
		return nil
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: providerTimeout}
	return &GroqProvider{client: openai.NewClientWithConfig(cfg)}
}

// Name implements Provider.
func (p *GroqProvider) Name() string { return "groq" }

// TryRefine implements Provider.
func (p *GroqProvider) TryRefine(ctx context.Context, prompt string) (*Result, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: groqModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}
	return parseResultJSON(resp.Choices[0].Message.Content)
}

// GeminiProvider tries several candidate models in fixed preference order.
// A rate-limit answer from the most-preferred model blocks that model for
// cooldownWindow; after the window it is retried first again.
type GeminiProvider struct {
	client *genai.Client
	now    func() time.Time

	mu           sync.Mutex
	blockedUntil time.Time
}

// NewGeminiProvider returns a provider for the given key, or nil when the key
// is empty.
func NewGeminiProvider(apiKey string) *GeminiProvider {
	return newGeminiProvider(apiKey, "")
}

func newGeminiProvider(apiKey, baseURL string) *GeminiProvider {
	if apiKey == "" {
		return nil
	}
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: providerTimeout},
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil
	}
	return &GeminiProvider{client: client, now: time.Now}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// TryRefine implements Provider.
func (p *GeminiProvider) TryRefine(ctx context.Context, prompt string) (*Result, error) {
	var lastErr error
	for _, model := range p.candidateModels() {
		resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
		if err != nil {
			if isRateLimited(err) && model == geminiModels[0] {
				p.mu.Lock()
				p.blockedUntil = p.now().Add(cooldownWindow)
				p.mu.Unlock()
			}
			lastErr = fmt.Errorf("%s: %w", model, err)
			continue
		}
		text := candidateText(resp)
		if text == "" {
			lastErr = fmt.Errorf("%s: empty candidate", model)
			continue
		}
		result, err := parseResultJSON(text)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", model, err)
			continue
		}
		return result, nil
	}
	return nil, lastErr
}

// candidateModels returns the preference order with the top model excluded
// while its cool-down is active.
func (p *GeminiProvider) candidateModels() []string {
	p.mu.Lock()
	blocked := p.now().Before(p.blockedUntil)
	p.mu.Unlock()
	if blocked {
		return geminiModels[1:]
	}
	return geminiModels
}

func isRateLimited(err error) bool {
	var apiErr genai.APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests
}

// candidateText concatenates the text parts of the first candidate.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// parseResultJSON extracts a Result from model output, tolerating markdown
// code fences around the JSON object.
func parseResultJSON(text string) (*Result, error) {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty result text")
	}
	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
