package streampipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// openAIResponse and openAIChunk mirror the shapes the openai-compatible
// provider adapter sends upstream; inbound clients never see them directly.
type openAIResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openAIChoiceFull `json:"choices"`
	Usage   *openAIUsageFull   `json:"usage"`
}

type openAIChoiceFull struct {
	Message      openAIMessageFull `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type openAIMessageFull struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsageFull struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIChunk struct {
	Choices []openAIChunkChoice `json:"choices"`
}

type openAIChunkChoice struct {
	Delta        openAIChunkDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type openAIChunkDelta struct {
	Content string `json:"content"`
}

// anthropicMessageResponse and anthropicStreamEvent are the wire shapes the
// inbound Anthropic Messages surface expects back.
type anthropicMessageResponse struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	Role       string              `json:"role"`
	Content    []anthropicContent  `json:"content"`
	Model      string              `json:"model"`
	StopReason string              `json:"stop_reason"`
	Usage      anthropicUsageBlock `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// translateWholeBody converts a complete OpenAI chat-completion body into an
// Anthropic Messages response body, the inverse of the donor's
// convertToOpenAI.
func translateWholeBody(body []byte, model string) ([]byte, error) {
	var oa openAIResponse
	if err := json.Unmarshal(body, &oa); err != nil {
		return nil, fmt.Errorf("translating openai response: %w", err)
	}

	var text string
	var stopReason string
	if len(oa.Choices) > 0 {
		text = oa.Choices[0].Message.Content
		stopReason = anthropicStopReason(oa.Choices[0].FinishReason)
	}

	out := anthropicMessageResponse{
		ID:         "msg_" + uuid.New().String(),
		Type:       "message",
		Role:       "assistant",
		Content:    []anthropicContent{{Type: "text", Text: text}},
		Model:      model,
		StopReason: stopReason,
	}
	if oa.Usage != nil {
		out.Usage = anthropicUsageBlock{InputTokens: oa.Usage.PromptTokens, OutputTokens: oa.Usage.CompletionTokens}
	}

	return json.Marshal(out)
}

func anthropicStopReason(openAIReason string) string {
	switch openAIReason {
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return openAIReason
	}
}

// translateStream reads OpenAI SSE chunks from r and writes the equivalent
// Anthropic SSE event sequence to w, flushing after each event so
// time-to-first-token is preserved. Returns the accumulated text for usage
// estimation, since OpenAI streaming usage is unreliable (base §9 open
// question).
func translateStream(w http.ResponseWriter, r io.Reader, model string) (string, error) {
	flusher, _ := w.(http.Flusher)
	messageID := "msg_" + uuid.New().String()

	writeEvent := func(v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := writeEvent(map[string]interface{}{
		"type": "message_start",
		"message": anthropicMessageResponse{
			ID: messageID, Type: "message", Role: "assistant", Model: model,
			Content: []anthropicContent{},
		},
	}); err != nil {
		return "", err
	}
	if err := writeEvent(map[string]interface{}{
		"type": "content_block_start", "index": 0,
		"content_block": anthropicContent{Type: "text", Text: ""},
	}); err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var text strings.Builder
	var stopReason string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" || data == "" {
			continue
		}

		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if err := writeEvent(map[string]interface{}{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]string{"type": "text_delta", "text": choice.Delta.Content},
			}); err != nil {
				return text.String(), err
			}
		}
		if choice.FinishReason != nil {
			stopReason = anthropicStopReason(*choice.FinishReason)
		}
	}

	if err := writeEvent(map[string]interface{}{"type": "content_block_stop", "index": 0}); err != nil {
		return text.String(), err
	}
	if stopReason == "" {
		stopReason = "end_turn"
	}
	if err := writeEvent(map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]string{"stop_reason": stopReason},
	}); err != nil {
		return text.String(), err
	}
	if err := writeEvent(map[string]interface{}{"type": "message_stop"}); err != nil {
		return text.String(), err
	}

	return text.String(), scanner.Err()
}
