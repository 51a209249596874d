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

// Gemini is a secondary Client implementation over the Google Generative
// Language API, adapted from nevindra-oasis/provider/gemini/gemini.go.
// Like Bedrock, and unlike OpenAICompat, it carries the thinking signature
// across turns (Gemini calls it ThoughtSignature).
type Gemini struct {
	apiKey string
	model  string
	client *http.Client
}

func NewGemini(apiKey, model string) *Gemini {
	return &Gemini{apiKey: apiKey, model: model, client: &http.Client{Timeout: 180 * time.Second}}
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp `json:"functionResponse,omitempty"`
	InlineData       *geminiInline   `json:"inlineData,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFuncResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiInline struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

func buildGeminiRequest(messages []Message, system string, tools []ToolDefinition, cfg Config) geminiRequest {
	req := geminiRequest{
		GenerationConfig: geminiGenConfig{
			Temperature:     cfg.Temperature,
			TopP:            cfg.TopP,
			TopK:            cfg.TopK,
			MaxOutputTokens: cfg.MaxTokens,
			StopSequences:   cfg.StopSequences,
		},
	}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if cfg.EnableThinking {
		req.GenerationConfig.ThinkingConfig = &geminiThinkingConfig{IncludeThoughts: true, ThinkingBudget: cfg.ThinkingBudget}
	}
	if len(tools) > 0 {
		var decls []geminiFuncDecl
		for _, t := range tools {
			decls = append(decls, geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	for _, m := range messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		for _, b := range m.Blocks {
			switch b.Kind {
			case BlockText:
				parts = append(parts, geminiPart{Text: b.Text})
			case BlockThinking:
				parts = append(parts, geminiPart{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature})
			case BlockToolUse:
				parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{Name: b.ToolName, Args: b.ToolInput}})
			case BlockToolResult:
				resp, _ := json.Marshal(map[string]string{"result": b.ToolResultText})
				parts = append(parts, geminiPart{FunctionResponse: &geminiFuncResp{Name: b.ToolResultForID, Response: resp}})
			case BlockImage:
				parts = append(parts, geminiPart{InlineData: &geminiInline{MIMEType: b.MediaType, Data: b.Base64}})
			}
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: parts})
	}
	return req
}

func (g *Gemini) endpoint(stream bool) string {
	method := "generateContent"
	if stream {
		method = "streamGenerateContent?alt=sse"
	}
	return fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:%s", g.model, method)
}

func (g *Gemini) Generate(ctx context.Context, messages []Message, system string, tools []ToolDefinition, cfg Config) (Completion, error) {
	body, err := json.Marshal(buildGeminiRequest(messages, system, tools, cfg))
	if err != nil {
		return Completion{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(false), bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return Completion{}, httpErr(resp.StatusCode, string(b))
	}

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Completion{}, err
	}
	return parsed.toCompletion(), nil
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
}

func (r geminiResponse) toCompletion() Completion {
	c := Completion{Usage: Usage{
		InputTokens:     r.UsageMetadata.PromptTokenCount,
		OutputTokens:    r.UsageMetadata.CandidatesTokenCount,
		CacheReadTokens: r.UsageMetadata.CachedContentTokenCount,
	}}
	if len(r.Candidates) == 0 {
		return c
	}
	cand := r.Candidates[0]
	for _, p := range cand.Content.Parts {
		c.Blocks = append(c.Blocks, geminiPartToBlock(p))
	}
	switch cand.FinishReason {
	case "STOP":
		c.StopReason = StopEndTurn
	case "MAX_TOKENS":
		c.StopReason = StopMaxTokens
	default:
		if hasFunctionCall(cand.Content.Parts) {
			c.StopReason = StopToolUse
		} else {
			c.StopReason = StopEndTurn
		}
	}
	return c
}

func hasFunctionCall(parts []geminiPart) bool {
	for _, p := range parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}

func geminiPartToBlock(p geminiPart) Block {
	switch {
	case p.FunctionCall != nil:
		return Block{Kind: BlockToolUse, ToolUseID: p.FunctionCall.Name, ToolName: p.FunctionCall.Name, ToolInput: p.FunctionCall.Args}
	case p.Thought:
		return Block{Kind: BlockThinking, Thinking: p.Text, Signature: p.ThoughtSignature}
	default:
		return Block{Kind: BlockText, Text: p.Text}
	}
}

func (g *Gemini) Stream(ctx context.Context, messages []Message, system string, tools []ToolDefinition, cfg Config) (<-chan StreamEvent, error) {
	body, err := json.Marshal(buildGeminiRequest(messages, system, tools, cfg))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(true), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, httpErr(resp.StatusCode, string(b))
	}

	ch := make(chan StreamEvent, 16)
	go g.pumpSSE(resp.Body, ch)
	return ch, nil
}

func (g *Gemini) pumpSSE(body io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024) // generous buffer for base64 image chunks

	var usage Usage
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		usage = Usage{
			InputTokens:     chunk.UsageMetadata.PromptTokenCount,
			OutputTokens:    chunk.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: chunk.UsageMetadata.CachedContentTokenCount,
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		cand := chunk.Candidates[0]
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				ch <- StreamEvent{Type: EventToolUseStart, ToolName: p.FunctionCall.Name, ToolUseID: p.FunctionCall.Name}
				args, _ := json.Marshal(p.FunctionCall.Args)
				ch <- StreamEvent{Type: EventToolUseEnd, ToolInputDelta: string(args)}
			case p.Thought:
				ch <- StreamEvent{Type: EventThinking, Thinking: p.Text, Signature: p.ThoughtSignature}
			default:
				ch <- StreamEvent{Type: EventText, Text: p.Text}
			}
		}
		if cand.FinishReason != "" {
			sr := StopEndTurn
			if cand.FinishReason == "MAX_TOKENS" {
				sr = StopMaxTokens
			} else if hasFunctionCall(cand.Content.Parts) {
				sr = StopToolUse
			}
			ch <- StreamEvent{Type: EventMessageEnd, Usage: usage, StopReason: sr}
		}
	}
}

// Embed calls the embedContent endpoint once per text (Gemini has no batch
// embed endpoint in the v1beta API this targets).
func (g *Gemini) Embed(ctx context.Context, texts []string, kind EmbedKind) ([][]float32, error) {
	taskType := "RETRIEVAL_DOCUMENT"
	if kind == EmbedQuery {
		taskType = "RETRIEVAL_QUERY"
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		body, _ := json.Marshal(map[string]any{
			"model":   "models/text-embedding-004",
			"content": geminiContent{Parts: []geminiPart{{Text: text}}},
			"taskType": taskType,
		})
		url := "https://generativelanguage.googleapis.com/v1beta/models/text-embedding-004:embedContent"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", g.apiKey)
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Embedding struct {
				Values []float32 `json:"values"`
			} `json:"embedding"`
		}
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, parsed.Embedding.Values)
	}
	return out, nil
}
