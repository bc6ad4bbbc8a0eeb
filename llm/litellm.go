package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voocel/litellm"

	"github.com/voocel/codebox/schema"
)

// LiteLLMAdapter implements ChatModel on a litellm client.
type LiteLLMAdapter struct {
	client *litellm.Client
	info   ModelInfo
	config *GenerationConfig
}

// NewLiteLLMAdapter wraps client for the model described by info.
func NewLiteLLMAdapter(client *litellm.Client, info ModelInfo, config *GenerationConfig) *LiteLLMAdapter {
	return &LiteLLMAdapter{client: client, info: info, config: config}
}

func (a *LiteLLMAdapter) Info() ModelInfo { return a.info }

// Generate performs one blocking completion. Every failure is a
// *schema.ModelError.
func (a *LiteLLMAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, schema.NewModelError(a.info.Name, "generate", errors.New("nil request"))
	}
	if a.client == nil {
		return nil, schema.NewModelError(a.info.Name, "generate", errors.New("client not configured"))
	}

	messages, err := a.convertMessages(req.Messages)
	if err != nil {
		return nil, schema.NewModelError(a.info.Name, "convert", err)
	}

	litellmReq := &litellm.Request{
		Model:    a.info.Name,
		Messages: messages,
		Tools:    convertTools(req.Tools),
	}

	config := req.Config
	if config == nil {
		config = a.config
	}
	if config != nil {
		if config.Temperature != 0 {
			litellmReq.Temperature = litellm.Float64Ptr(config.Temperature)
		}
		if config.MaxTokens != 0 {
			litellmReq.MaxTokens = litellm.IntPtr(config.MaxTokens)
		}
	}

	resp, err := a.client.Complete(ctx, litellmReq)
	if err != nil {
		return nil, schema.NewModelError(a.info.Name, "complete", err)
	}
	if resp == nil {
		return nil, schema.NewModelError(a.info.Name, "complete", errors.New("empty response"))
	}

	msg, usage := a.convertResponse(resp)
	return &Response{
		Message:      msg,
		Usage:        usage,
		FinishReason: resp.FinishReason,
		ModelInfo:    a.info,
	}, nil
}

func (a *LiteLLMAdapter) convertMessages(messages []schema.Message) ([]litellm.Message, error) {
	result := make([]litellm.Message, 0, len(messages))
	for _, msg := range messages {
		converted := litellm.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case schema.RoleSystem, schema.RoleUser:
		case schema.RoleAssistant:
			for _, call := range msg.ToolCalls {
				args := string(call.Args)
				if args == "" {
					args = "{}"
				}
				converted.ToolCalls = append(converted.ToolCalls, litellm.ToolCall{
					ID:   call.ID,
					Type: "function",
					Function: litellm.FunctionCall{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
		case schema.RoleTool:
			if msg.ToolCallID == "" {
				return nil, fmt.Errorf("tool message without tool call id")
			}
			converted.ToolCallID = msg.ToolCallID
		default:
			return nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
		result = append(result, converted)
	}
	return result, nil
}

func convertTools(specs []ToolSpec) []litellm.Tool {
	if len(specs) == 0 {
		return nil
	}
	result := make([]litellm.Tool, len(specs))
	for i, spec := range specs {
		result[i] = litellm.Tool{
			Type: "function",
			Function: litellm.FunctionSchema{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		}
	}
	return result
}

// convertResponse maps a litellm response to an assistant message. Tool-call
// arguments that are not valid JSON are carried as a JSON string so the
// dispatcher reports them instead of the transcript failing to encode.
func (a *LiteLLMAdapter) convertResponse(resp *litellm.Response) (schema.Message, TokenUsage) {
	calls := make([]schema.ToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		switch {
		case len(args) == 0:
			args = json.RawMessage("{}")
		case !json.Valid(args):
			quoted, _ := json.Marshal(tc.Function.Arguments)
			args = quoted
		}
		calls = append(calls, schema.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	usage := TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return schema.AssistantMessage(resp.Content, calls...), usage
}

var _ ChatModel = (*LiteLLMAdapter)(nil)
