package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/session"
	"github.com/nextlevelbuilder/maestro/internal/tools"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider is the text ModelProvider, streaming the Anthropic
// Messages API over net/http SSE.
type AnthropicProvider struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	client      *http.Client
	retryConfig RetryConfig
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(p *AnthropicProvider) { p.client = client }
}

func NewAnthropicProvider(apiKey, model string, maxTokens int, opts ...AnthropicOption) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	p := &AnthropicProvider{
		apiKey:      apiKey,
		baseURL:     anthropicAPIBase,
		model:       model,
		maxTokens:   maxTokens,
		client:      &http.Client{Timeout: 300 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CreateMessage opens a streaming request and translates SSE deltas into
// events. Tool-call arguments arrive as partial-JSON fragments that are
// concatenated per block and parsed once at block end. Transport errors
// surface as a terminal Error event, never a panic or raised failure.
func (p *AnthropicProvider) CreateMessage(ctx context.Context, messages []session.HistoryMessage, defs []tools.Definition, system string) <-chan session.Event {
	out := make(chan session.Event, 64)
	go func() {
		defer close(out)
		p.stream(ctx, messages, defs, system, out)
	}()
	return out
}

func (p *AnthropicProvider) stream(ctx context.Context, messages []session.HistoryMessage, defs []tools.Definition, system string, out chan<- session.Event) {
	body := p.buildRequestBody(messages, defs, system, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := retryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		if _, ok := err.(*HTTPError); ok {
			out <- session.ErrorEvent("api_error", err.Error())
		} else {
			out <- session.ErrorEvent("provider_error", err.Error())
		}
		return
	}
	defer respBody.Close()

	var (
		currentBlockType string
		currentText      strings.Builder
		currentToolID    string
		currentToolName  string
		currentToolJSON  strings.Builder
		usage            session.Usage
	)

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		if ctx.Err() != nil {
			out <- session.ErrorEvent("provider_error", ctx.Err().Error())
			return
		}
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				usage.CacheCreationInputTokens = ev.Message.Usage.CacheCreationInputTokens
				usage.CacheReadInputTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				currentBlockType = ev.ContentBlock.Type
				switch ev.ContentBlock.Type {
				case "text":
					currentText.Reset()
				case "tool_use":
					currentToolID = ev.ContentBlock.ID
					currentToolName = strings.TrimSpace(ev.ContentBlock.Name)
					currentToolJSON.Reset()
				}
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				switch ev.Delta.Type {
				case "text_delta":
					currentText.WriteString(ev.Delta.Text)
					out <- session.TextDelta(ev.Delta.Text)
				case "input_json_delta":
					currentToolJSON.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			switch currentBlockType {
			case "text":
				if currentText.Len() > 0 {
					out <- session.TextComplete(currentText.String())
				}
			case "tool_use":
				input := make(map[string]any)
				if raw := currentToolJSON.String(); raw != "" {
					_ = json.Unmarshal([]byte(raw), &input)
				}
				out <- session.ToolUse(currentToolID, currentToolName, input)
			}
			currentBlockType = ""

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				out <- session.ErrorEvent("api_error", fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message))
				return
			}

		case "message_stop":
			// stream complete
		}
	}
	if err := scanner.Err(); err != nil {
		out <- session.ErrorEvent("provider_error", err.Error())
		return
	}

	out <- session.Event{Type: session.EventTurnComplete, Usage: &usage}
}

// Complete runs a non-streaming request with no tools and returns the
// joined text. Used for auxiliary calls like voice-resume summarization.
func (p *AnthropicProvider) Complete(ctx context.Context, model, system, prompt string, maxTokens int) (string, error) {
	if model == "" {
		model = p.model
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	if system != "" {
		body["system"] = system
	}

	respBody, err := retryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}
	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (p *AnthropicProvider) buildRequestBody(messages []session.HistoryMessage, defs []tools.Definition, system string, stream bool) map[string]any {
	body := map[string]any{
		"model":      p.model,
		"max_tokens": p.maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if system != "" {
		body["system"] = system
	}
	if len(defs) > 0 {
		body["tools"] = defs
	}
	return body
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// --- Streaming event types ---

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
