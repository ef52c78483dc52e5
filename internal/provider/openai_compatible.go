package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"btrproxy/internal/store"
)

// openaiCompatible targets arbitrary OpenAI-compatible /v1/chat/completions
// endpoints at a per-account custom_endpoint, translating the inbound
// Anthropic Messages schema to OpenAI chat-completions schema and recording
// that the translation happened so the Stream Pipeline translates the
// response back (base §4.2).
type openaiCompatible struct{}

func newOpenAICompatible() Provider { return &openaiCompatible{} }

func (p *openaiCompatible) Kind() store.ProviderKind { return store.ProviderOpenAICompatible }

func (p *openaiCompatible) TranslatesWireFormat() bool { return true }

func (p *openaiCompatible) MapModel(account *store.Account, inboundModel string) string {
	return mapModel(account, inboundModel)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
}

func flattenContent(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var buf bytes.Buffer
		for _, block := range v {
			m, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				buf.WriteString(text)
			}
		}
		return buf.String()
	default:
		return ""
	}
}

func (p *openaiCompatible) PrepareRequest(ctx context.Context, inbound *http.Request, body []byte, account *store.Account, accessToken string) (*OutboundRequest, error) {
	var in anthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}

	out := openAIRequest{
		Model:       p.MapModel(account, in.Model),
		MaxTokens:   in.MaxTokens,
		Stream:      in.Stream,
		Temperature: in.Temperature,
	}
	if in.System != "" {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: in.System})
	}
	for _, m := range in.Messages {
		out.Messages = append(out.Messages, openAIMessage{Role: m.Role, Content: flattenContent(m.Content)})
	}

	outBody, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}

	base := account.CustomEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/chat/completions", bytes.NewReader(outBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	key := accessToken
	if key == "" {
		key = account.Credentials.APIKey
	}
	req.Header.Set("Authorization", "Bearer "+key)

	return &OutboundRequest{HTTPRequest: req, TranslatedFromAnthropic: true, ModelUsed: out.Model}, nil
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ParseUsage implements the SPEC_FULL.md open-question decision: probe for a
// trailing usage object on the final chat.completion.chunk, falling back to
// zero-filled partial counts rather than assuming a layout that varies by
// provider.
func (p *openaiCompatible) ParseUsage(body []byte) TokenCounts {
	var whole struct {
		Usage *openAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &whole); err == nil && whole.Usage != nil {
		return TokenCounts{InputTokens: whole.Usage.PromptTokens, OutputTokens: whole.Usage.CompletionTokens}
	}

	var last *openAIUsage
	for _, line := range splitSSELines(body) {
		data := sseData(line)
		if data == "" {
			continue
		}
		var chunk struct {
			Usage *openAIUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err == nil && chunk.Usage != nil {
			last = chunk.Usage
		}
	}
	if last != nil {
		return TokenCounts{InputTokens: last.PromptTokens, OutputTokens: last.CompletionTokens}
	}

	return TokenCounts{Partial: true}
}

func (p *openaiCompatible) ParseRateLimit(headers http.Header, statusCode int) RateLimitSignal {
	sig := RateLimitSignal{}

	if v := headers.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			sig.Remaining = &n
		}
	}
	if v := headers.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			d := time.Duration(secs) * time.Second
			sig.RetryAfter = &d
		}
	}
	if statusCode == http.StatusTooManyRequests {
		sig.Status = "rejected"
	} else {
		sig.Status = "allowed"
	}

	return sig
}
