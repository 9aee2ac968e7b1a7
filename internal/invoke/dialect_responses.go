package invoke

import (
	"encoding/json"
	"fmt"

	"github.com/kumo-ai/seiri/internal/model"
)

// buildResponsesRequest builds the wire body for the responses dialect.
//
// The dialect separates instructions from turn history: a leading
// system-role message is hoisted into the top-level instructions field and
// the remaining messages form the input list. Tool definitions are flat
// (name/description/parameters at the top level of each entry). The dialect
// never accepts temperature; seed only when the capability flags it.
func buildResponsesRequest(cap model.ModelCapability, call Call) map[string]any {
	body := map[string]any{
		"model": cap.FamilyID,
	}

	msgs := call.Messages
	if len(msgs) > 0 && msgs[0].Role == "system" {
		body["instructions"] = msgs[0].Content
		msgs = msgs[1:]
	}
	input := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		input = append(input, map[string]any{"role": m.Role, "content": m.Content})
	}
	body["input"] = input

	if len(call.Tools) > 0 {
		tools := make([]map[string]any, 0, len(call.Tools))
		for _, t := range call.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		body["tools"] = tools
	}
	if call.ForcedTool != "" {
		body["tool_choice"] = map[string]any{"type": "function", "name": call.ForcedTool}
	}

	if cap.SupportsReasoningEffort(call.ReasoningEffort) {
		body["reasoning"] = map[string]any{"effort": call.ReasoningEffort}
	}
	if cap.SupportsSeed && call.Seed != nil {
		body["seed"] = *call.Seed
	}
	if call.MaxOutputTokens > 0 {
		body["max_output_tokens"] = call.MaxOutputTokens
	}
	if call.Verbosity != "" {
		body["text"] = map[string]any{"verbosity": call.Verbosity}
	}
	if call.ContinuationToken != "" {
		body["previous_response_id"] = call.ContinuationToken
	}
	return body
}

// responsesResponse is the wire shape of a responses-dialect reply: output
// is a list of typed items rather than a choices array.
type responsesResponse struct {
	ID     string          `json:"id"`
	Output []responsesItem `json:"output"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type responsesItem struct {
	Type    string `json:"type"` // "message" or "function_call"
	Content []struct {
		Type string `json:"type"` // "output_text"
		Text string `json:"text"`
	} `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// normalizeResponsesResponse reduces the typed item list to the canonical
// shape: the message item's first text block becomes Text, each
// function-call item becomes a ToolInvocation with the provider's call
// identifier preserved for echo-back.
func normalizeResponsesResponse(raw []byte) (Result, error) {
	var resp responsesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{}, fmt.Errorf("invoke: decode responses body: %w", err)
	}

	result := Result{
		TokensIn:          resp.Usage.InputTokens,
		TokensOut:         resp.Usage.OutputTokens,
		ContinuationToken: resp.ID,
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			if result.Text == "" {
				for _, block := range item.Content {
					if block.Type == "output_text" {
						result.Text = block.Text
						break
					}
				}
			}
		case "function_call":
			args := item.Arguments
			if args == "" {
				args = "{}"
			}
			result.ToolInvocations = append(result.ToolInvocations, ToolInvocation{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: json.RawMessage(args),
			})
		}
	}
	return result, nil
}
