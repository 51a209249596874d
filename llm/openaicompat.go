package llm

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
)

// OpenAICompat is a secondary Client implementation over any
// OpenAI-chat-completions-compatible HTTP endpoint, adapted from
// nevindra-oasis/provider/openaicompat. It demonstrates llm.Client's
// multi-provider shape even though the primary transport is Bedrock.
type OpenAICompat struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAICompat(apiKey, model, baseURL string) *OpenAICompat {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompat{apiKey: apiKey, model: model, baseURL: baseURL, client: &http.Client{Timeout: 120 * time.Second}}
}

func (o *OpenAICompat) Name() string { return "openai-compat:" + o.model }

type oaiMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []oaiToolCall   `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

func toOAIMessages(messages []Message, system string) []oaiMessage {
	var out []oaiMessage
	if system != "" {
		out = append(out, oaiMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		role := string(m.Role)
		var text strings.Builder
		var toolCalls []oaiToolCall
		for _, b := range m.Blocks {
			switch b.Kind {
			case BlockText, BlockThinking:
				text.WriteString(b.Text)
				text.WriteString(b.Thinking)
			case BlockToolUse:
				tc := oaiToolCall{ID: b.ToolUseID, Type: "function"}
				tc.Function.Name = b.ToolName
				tc.Function.Arguments = string(b.ToolInput)
				toolCalls = append(toolCalls, tc)
			case BlockToolResult:
				out = append(out, oaiMessage{Role: "tool", Content: b.ToolResultText, ToolCallID: b.ToolResultForID})
			}
		}
		if text.Len() > 0 || len(toolCalls) > 0 {
			out = append(out, oaiMessage{Role: role, Content: text.String(), ToolCalls: toolCalls})
		}
	}
	return out
}

func buildOAIRequest(messages []Message, system string, tools []ToolDefinition, cfg Config, model string, stream bool) oaiRequest {
	req := oaiRequest{
		Model:       model,
		Messages:    toOAIMessages(messages, system),
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
		Stop:        cfg.StopSequences,
		Stream:      stream,
	}
	for _, t := range tools {
		var ot oaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, ot)
	}
	return req
}

func (o *OpenAICompat) doRequest(ctx context.Context, req oaiRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	return o.client.Do(httpReq)
}

func (o *OpenAICompat) Generate(ctx context.Context, messages []Message, system string, tools []ToolDefinition, cfg Config) (Completion, error) {
	resp, err := o.doRequest(ctx, buildOAIRequest(messages, system, tools, cfg, o.model, false))
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return Completion{}, httpErr(resp.StatusCode, string(b))
	}

	var parsed oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Completion{}, err
	}
	return parsed.toCompletion(), nil
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (r oaiResponse) toCompletion() Completion {
	c := Completion{Usage: Usage{InputTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens}}
	if len(r.Choices) == 0 {
		return c
	}
	choice := r.Choices[0]
	if choice.Message.Content != "" {
		c.Blocks = append(c.Blocks, Block{Kind: BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		c.Blocks = append(c.Blocks, Block{Kind: BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name, ToolInput: json.RawMessage(tc.Function.Arguments)})
	}
	switch choice.FinishReason {
	case "tool_calls":
		c.StopReason = StopToolUse
	case "length":
		c.StopReason = StopMaxTokens
	default:
		c.StopReason = StopEndTurn
	}
	return c
}

// Stream issues a server-sent-events request and translates each chunk.
func (o *OpenAICompat) Stream(ctx context.Context, messages []Message, system string, tools []ToolDefinition, cfg Config) (<-chan StreamEvent, error) {
	resp, err := o.doRequest(ctx, buildOAIRequest(messages, system, tools, cfg, o.model, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, httpErr(resp.StatusCode, string(b))
	}

	ch := make(chan StreamEvent, 16)
	go o.pumpSSE(resp.Body, ch)
	return ch, nil
}

func (o *OpenAICompat) pumpSSE(body io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var usage Usage
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			ch <- StreamEvent{Type: EventMessageEnd, Usage: usage, StopReason: StopEndTurn}
			return
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				ch <- StreamEvent{Type: EventText, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				if tc.Function.Name != "" {
					ch <- StreamEvent{Type: EventToolUseStart, ToolUseID: tc.ID, ToolName: tc.Function.Name}
				}
				if tc.Function.Arguments != "" {
					ch <- StreamEvent{Type: EventToolUseDelta, ToolInputDelta: tc.Function.Arguments}
				}
			}
			if choice.FinishReason != "" {
				ch <- StreamEvent{Type: EventMessageEnd, Usage: usage, StopReason: mapOAIFinish(choice.FinishReason)}
			}
		}
	}
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func mapOAIFinish(reason string) StopReason {
	switch reason {
	case "tool_calls":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func httpErr(status int, body string) error {
	return fmt.Errorf("openai-compat http %d: %s", status, body)
}

// Embed calls the /embeddings endpoint once per text, mirroring
// provider/gemini's sequential GeminiEmbedding.Embed.
func (o *OpenAICompat) Embed(ctx context.Context, texts []string, kind EmbedKind) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		body, _ := json.Marshal(map[string]any{"model": "text-embedding-3-small", "input": text})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		resp, err := o.client.Do(req)
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if len(parsed.Data) == 0 {
			return nil, fmt.Errorf("openai-compat: empty embedding response")
		}
		out = append(out, parsed.Data[0].Embedding)
	}
	return out, nil
}
