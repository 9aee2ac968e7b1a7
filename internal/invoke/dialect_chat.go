package invoke

import (
	"encoding/json"
	"fmt"

	"github.com/kumo-ai/seiri/internal/model"
)

// buildChatRequest builds the wire body for the chat dialect.
//
// Messages pass through unmodified as a single flat array and tool
// definitions keep their nesting wrapper. Temperature is sent only when the
// capability flags it; a family without temperature but with reasoning
// levels takes a flat reasoning_effort field instead, and only when the
// caller actually requested one. The output-length cap is written under the
// capability's configured parameter name — providers disagree on it, so it
// is looked up, never hard-coded.
func buildChatRequest(cap model.ModelCapability, call Call) map[string]any {
	body := map[string]any{
		"model": cap.FamilyID,
	}

	msgs := make([]map[string]any, 0, len(call.Messages))
	for _, m := range call.Messages {
		msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Content})
	}
	body["messages"] = msgs

	if len(call.Tools) > 0 {
		tools := make([]map[string]any, 0, len(call.Tools))
		for _, t := range call.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}
	if call.ForcedTool != "" {
		body["tool_choice"] = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": call.ForcedTool},
		}
	}

	if cap.SupportsTemperature && call.Temperature != nil {
		body["temperature"] = *call.Temperature
	} else if cap.SupportsReasoningEffort(call.ReasoningEffort) {
		body["reasoning_effort"] = call.ReasoningEffort
	}
	if cap.SupportsSeed && call.Seed != nil {
		body["seed"] = *call.Seed
	}
	if call.MaxOutputTokens > 0 {
		body[cap.MaxTokensParamName] = call.MaxOutputTokens
	}
	return body
}

// chatResponse is the wire shape of a chat-dialect reply, already close to
// the canonical choice/tool_call shape.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// normalizeChatResponse passes the first choice through after extracting
// usage counts.
func normalizeChatResponse(raw []byte) (Result, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{}, fmt.Errorf("invoke: decode chat body: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("invoke: chat response has no choices")
	}

	choice := resp.Choices[0]
	result := Result{
		Text:      choice.Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		result.ToolInvocations = append(result.ToolInvocations, ToolInvocation{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return result, nil
}
