package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Bedrock is the primary LLMClient implementation, grounded directly on
// original_source/bedrock_service.py and get_aws_credentials.py: Anthropic
// models invoked through bedrock-runtime's InvokeModelWithResponseStream,
// using the Anthropic Messages wire format as the request/response body.
type Bedrock struct {
	client  *bedrockruntime.Client
	modelID string
	region  string

	accessKeyID, secretAccessKey, sessionToken string
}

// BedrockOption configures New.
type BedrockOption func(*Bedrock)

func WithModelID(id string) BedrockOption   { return func(b *Bedrock) { b.modelID = id } }
func WithRegion(region string) BedrockOption { return func(b *Bedrock) { b.region = region } }

// WithStaticCredentials bypasses the default credential chain with an
// explicit access key/secret/session token, mirroring
// get_aws_credentials.py's explicit-credentials branch.
func WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken string) BedrockOption {
	return func(b *Bedrock) {
		b.accessKeyID, b.secretAccessKey, b.sessionToken = accessKeyID, secretAccessKey, sessionToken
	}
}

// New constructs a Bedrock client, loading AWS credentials the standard way
// (env vars, shared config, IMDS) via aws-sdk-go-v2/config, mirroring
// get_aws_credentials.py's resolution order, unless WithStaticCredentials
// was supplied.
func New(ctx context.Context, opts ...BedrockOption) (*Bedrock, error) {
	b := &Bedrock{modelID: "anthropic.claude-sonnet-4-5-20250929-v1:0"}
	for _, o := range opts {
		o(b)
	}
	var cfgOpts []func(*awsconfig.LoadOptions) error
	if b.region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(b.region))
	}
	if b.accessKeyID != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.accessKeyID, b.secretAccessKey, b.sessionToken)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	b.client = bedrockruntime.NewFromConfig(cfg)
	return b, nil
}

func (b *Bedrock) Name() string { return "bedrock:" + b.modelID }

// --- wire format (Anthropic Messages API over Bedrock) ---

type anthropicRequest struct {
	AnthropicVersion string            `json:"anthropic_version"`
	MaxTokens        int               `json:"max_tokens"`
	System           []anthropicSystem `json:"system,omitempty"`
	Messages         []anthropicMsg    `json:"messages"`
	Tools            []anthropicTool   `json:"tools,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	TopK             *int              `json:"top_k,omitempty"`
	StopSequences    []string          `json:"stop_sequences,omitempty"`
	Thinking         *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicSystem struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl map[string]string      `json:"cache_control,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicTool struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	InputSchema  json.RawMessage    `json:"input_schema"`
	CacheControl map[string]string  `json:"cache_control,omitempty"`
}

type anthropicMsg struct {
	Role    string            `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content2     json.RawMessage `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Source       *anthropicImgSrc `json:"source,omitempty"`
	CacheControl map[string]string `json:"cache_control,omitempty"`
}

type anthropicImgSrc struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func buildRequest(messages []Message, system string, tools []ToolDefinition, cfg Config) anthropicRequest {
	req := anthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		TopK:             cfg.TopK,
		StopSequences:    cfg.StopSequences,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 8192
	}
	if system != "" {
		// prompt-caching breakpoint (a): the system prompt.
		req.System = []anthropicSystem{{Type: "text", Text: system, CacheControl: map[string]string{"type": "ephemeral"}}}
	}
	if cfg.EnableThinking {
		budget := cfg.ThinkingBudget
		if budget == 0 {
			budget = 4096
		}
		req.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
	}

	for i, t := range tools {
		at := anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
		if i == len(tools)-1 {
			// prompt-caching breakpoint (b): the last tool schema.
			at.CacheControl = map[string]string{"type": "ephemeral"}
		}
		req.Tools = append(req.Tools, at)
	}

	lastUserIdx := -1
	for i, m := range messages {
		if m.Role == RoleUser {
			lastUserIdx = i
		}
	}

	for i, m := range messages {
		am := anthropicMsg{Role: string(m.Role)}
		for _, blk := range m.Blocks {
			c := blockToAnthropic(blk)
			if i == lastUserIdx && m.Role == RoleUser {
				// prompt-caching breakpoint (c): the most recent stable user message.
				c.CacheControl = map[string]string{"type": "ephemeral"}
			}
			am.Content = append(am.Content, c)
		}
		req.Messages = append(req.Messages, am)
	}
	return req
}

func blockToAnthropic(b Block) anthropicContent {
	switch b.Kind {
	case BlockText:
		return anthropicContent{Type: "text", Text: b.Text}
	case BlockThinking:
		return anthropicContent{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature}
	case BlockToolUse:
		return anthropicContent{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput}
	case BlockToolResult:
		content, _ := json.Marshal(b.ToolResultText)
		return anthropicContent{Type: "tool_result", ToolUseID: b.ToolResultForID, Content2: content, IsError: b.IsError}
	case BlockImage:
		return anthropicContent{Type: "image", Source: &anthropicImgSrc{Type: "base64", MediaType: b.MediaType, Data: b.Base64}}
	default:
		return anthropicContent{Type: "text", Text: b.Text}
	}
}

// --- non-streaming ---

func (b *Bedrock) Generate(ctx context.Context, messages []Message, system string, tools []ToolDefinition, cfg Config) (Completion, error) {
	req := buildRequest(messages, system, tools, cfg)
	body, err := json.Marshal(req)
	if err != nil {
		return Completion{}, err
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return Completion{}, wrapAWSErr(err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return Completion{}, fmt.Errorf("decode bedrock response: %w", err)
	}
	return resp.toCompletion(), nil
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func (r anthropicResponse) toCompletion() Completion {
	var blocks []Block
	for _, c := range r.Content {
		blocks = append(blocks, anthropicToBlock(c))
	}
	return Completion{
		Blocks: blocks,
		Usage: Usage{
			InputTokens:      r.Usage.InputTokens,
			OutputTokens:     r.Usage.OutputTokens,
			CacheReadTokens:  r.Usage.CacheReadInputTokens,
			CacheWriteTokens: r.Usage.CacheCreationInputTokens,
		},
		StopReason: mapStopReason(r.StopReason),
	}
}

func anthropicToBlock(c anthropicContent) Block {
	switch c.Type {
	case "text":
		return Block{Kind: BlockText, Text: c.Text}
	case "thinking":
		return Block{Kind: BlockThinking, Thinking: c.Thinking, Signature: c.Signature}
	case "tool_use":
		return Block{Kind: BlockToolUse, ToolUseID: c.ID, ToolName: c.Name, ToolInput: c.Input}
	default:
		return Block{Kind: BlockText, Text: c.Text}
	}
}

func mapStopReason(s string) StopReason {
	switch s {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "end_turn", "stop_sequence":
		return StopEndTurn
	default:
		return StopLength
	}
}

// --- streaming ---

func (b *Bedrock) Stream(ctx context.Context, messages []Message, system string, tools []ToolDefinition, cfg Config) (<-chan StreamEvent, error) {
	req := buildRequest(messages, system, tools, cfg)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, wrapAWSErr(err)
	}

	ch := make(chan StreamEvent, 16)
	go b.pump(out.GetStream(), ch)
	return ch, nil
}

func (b *Bedrock) pump(stream *bedrockruntime.InvokeModelWithResponseStreamEventStream, ch chan<- StreamEvent) {
	defer close(ch)
	defer stream.Close()

	activeToolInput := map[int]*bytes.Buffer{}

	for event := range stream.Events() {
		chunkEvt, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var msg streamChunk
		if err := json.Unmarshal(chunkEvt.Value.Bytes, &msg); err != nil {
			ch <- StreamEvent{Type: EventError, Err: err}
			continue
		}
		switch msg.Type {
		case "content_block_start":
			if msg.ContentBlock.Type == "tool_use" {
				activeToolInput[msg.Index] = &bytes.Buffer{}
				ch <- StreamEvent{Type: EventToolUseStart, ToolUseID: msg.ContentBlock.ID, ToolName: msg.ContentBlock.Name}
			}
		case "content_block_delta":
			switch msg.Delta.Type {
			case "text_delta":
				ch <- StreamEvent{Type: EventText, Text: msg.Delta.Text}
			case "thinking_delta":
				ch <- StreamEvent{Type: EventThinking, Thinking: msg.Delta.Thinking}
			case "signature_delta":
				ch <- StreamEvent{Type: EventThinking, Signature: msg.Delta.Signature}
			case "input_json_delta":
				if buf, ok := activeToolInput[msg.Index]; ok {
					buf.WriteString(msg.Delta.PartialJSON)
				}
				ch <- StreamEvent{Type: EventToolUseDelta, ToolInputDelta: msg.Delta.PartialJSON}
			}
		case "content_block_stop":
			if buf, ok := activeToolInput[msg.Index]; ok {
				ch <- StreamEvent{Type: EventToolUseEnd, ToolInputDelta: buf.String()}
				delete(activeToolInput, msg.Index)
			}
		case "message_delta":
			ch <- StreamEvent{Type: EventMessageEnd, StopReason: mapStopReason(msg.Delta.StopReason), Usage: Usage{OutputTokens: msg.Usage.OutputTokens}}
		case "message_start":
			ch <- StreamEvent{Type: EventUsageStart, Usage: Usage{InputTokens: msg.Message.Usage.InputTokens, CacheReadTokens: msg.Message.Usage.CacheReadInputTokens, CacheWriteTokens: msg.Message.Usage.CacheCreationInputTokens}}
		}
	}
}

type streamChunk struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// --- embeddings ---

// Embed is implemented over Bedrock's Titan embeddings models, invoked
// sequentially per text (mirroring provider/gemini's GeminiEmbedding).
func (b *Bedrock) Embed(ctx context.Context, texts []string, kind EmbedKind) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		body, _ := json.Marshal(map[string]string{"inputText": text})
		resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String("amazon.titan-embed-text-v2:0"),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, wrapAWSErr(err)
		}
		var parsed struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return nil, err
		}
		out = append(out, parsed.Embedding)
	}
	return out, nil
}

func wrapAWSErr(err error) error {
	return fmt.Errorf("bedrock: %w", err)
}
