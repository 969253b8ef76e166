package cogito

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ThinkOutput is the Thinker's structured decision for one cognitive round:
// either a plan to act on, or a request for more information.
type ThinkOutput struct {
	Reasoning    map[string]any
	Plan         *Plan
	NeedMoreInfo bool
	Question     string
	RawText      string
	Usage        Usage
}

// thinkerInstructions is appended to every subagent system prompt. The
// Thinker replies with a single JSON object; models that wrap it in code
// fences or emit slightly broken JSON are tolerated by the parser.
const thinkerInstructions = `
Respond with a single JSON object and nothing else:
{
  "goal": "what this round is trying to achieve",
  "reasoning": "your analysis of the task and prior results",
  "need_more_info": false,
  "question": "only when need_more_info is true: what you need from the user",
  "steps": [
    {"description": "...", "action_type": "tool_call", "action_params": {"tool": "<name>", "params": {}}},
    {"description": "...", "action_type": "respond", "action_params": {"response": "final answer text"}}
  ]
}
Use "tool_call" steps only for tools listed above. When the task is answerable
from context, emit a single "respond" step. Set "need_more_info" to true with
an empty steps array when you cannot proceed without user input.`

// Think runs one Thinker round: it invokes the provider over the task's
// message history with the subagent's scoped prompt and advertised tools,
// and parses the structured decision.
func Think(ctx context.Context, provider Provider, sub *Subagent, tc *TaskContext) (ThinkOutput, error) {
	messages := make([]ChatMessage, 0, len(tc.Messages)+1)
	messages = append(messages, SystemMessage(buildThinkerPrompt(sub, tc)))
	messages = append(messages, tc.Messages...)

	resp, err := provider.Chat(ctx, ChatRequest{Messages: messages})
	if err != nil {
		return ThinkOutput{}, err
	}

	out, err := parseThinkOutput(resp.Content)
	if err != nil {
		return ThinkOutput{}, fmt.Errorf("parse thinker output: %w", err)
	}
	out.RawText = resp.Content
	out.Usage = resp.Usage
	return out, nil
}

// buildThinkerPrompt composes the subagent's scoped system prompt, the tools
// it advertises, accumulated reflections, and the response-format contract.
func buildThinkerPrompt(sub *Subagent, tc *TaskContext) string {
	var b strings.Builder
	b.WriteString(sub.SystemPrompt)

	if sub.Tools != nil {
		if defs := sub.Tools.AllDefinitions(); len(defs) > 0 {
			b.WriteString("\n\nAvailable tools:\n")
			for _, d := range defs {
				fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
				if len(d.Parameters) > 0 {
					fmt.Fprintf(&b, "  parameters: %s\n", string(d.Parameters))
				}
			}
		}
	}

	if len(tc.Reflections) > 0 {
		b.WriteString("\nLessons from earlier rounds:\n")
		for _, r := range tc.Reflections {
			b.WriteString("- " + r + "\n")
		}
	}

	if tc.Description != "" {
		b.WriteString("\nTask: " + tc.Description + "\n")
	}
	b.WriteString(thinkerInstructions)
	return b.String()
}

// thinkerWire is the JSON shape the model replies with.
type thinkerWire struct {
	Goal         string         `json:"goal"`
	Reasoning    string         `json:"reasoning"`
	NeedMoreInfo bool           `json:"need_more_info"`
	Question     string         `json:"question"`
	Steps        []struct {
		Description  string         `json:"description"`
		ActionType   string         `json:"action_type"`
		ActionParams map[string]any `json:"action_params"`
	} `json:"steps"`
}

// parseThinkOutput decodes the model's JSON decision. Code fences are
// stripped and malformed JSON goes through jsonrepair before giving up;
// models mangle plan JSON often enough that this path is load-bearing.
func parseThinkOutput(content string) (ThinkOutput, error) {
	raw := extractJSON(content)

	var wire thinkerWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(raw)
		if repErr != nil {
			return ThinkOutput{}, fmt.Errorf("unmarshal failed (%v) and repair failed (%v)", err, repErr)
		}
		if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
			return ThinkOutput{}, fmt.Errorf("unmarshal repaired JSON: %w", err)
		}
	}

	out := ThinkOutput{
		Reasoning: map[string]any{
			"goal":      wire.Goal,
			"reasoning": wire.Reasoning,
		},
		NeedMoreInfo: wire.NeedMoreInfo,
		Question:     wire.Question,
	}
	if wire.NeedMoreInfo {
		return out, nil
	}

	plan := &Plan{Goal: wire.Goal, Reasoning: wire.Reasoning}
	for i, s := range wire.Steps {
		actionType := s.ActionType
		switch actionType {
		case ActionToolCall, ActionRespond, ActionStub:
		default:
			actionType = ActionStub
		}
		plan.Steps = append(plan.Steps, PlanStep{
			Index:        i,
			Description:  s.Description,
			ActionType:   actionType,
			ActionParams: s.ActionParams,
		})
	}
	out.Plan = plan
	return out, nil
}

// extractJSON strips markdown code fences and leading prose around the first
// top-level JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimSpace(s)

	if start := strings.IndexByte(s, '{'); start > 0 {
		s = s[start:]
	}
	if end := strings.LastIndexByte(s, '}'); end >= 0 && end < len(s)-1 {
		s = s[:end+1]
	}
	return s
}

// toolCallParams extracts the tool name and arguments from a tool_call
// step's action params.
func toolCallParams(step *PlanStep) (name string, args json.RawMessage, err error) {
	name, _ = step.ActionParams["tool"].(string)
	if name == "" {
		return "", nil, fmt.Errorf("step %d: tool_call without tool name", step.Index)
	}
	params := step.ActionParams["params"]
	if params == nil {
		return name, json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", nil, fmt.Errorf("step %d: marshal params: %w", step.Index, err)
	}
	return name, raw, nil
}

// respondText extracts the response text from a respond step.
func respondText(step *PlanStep) string {
	if s, ok := step.ActionParams["response"].(string); ok {
		return s
	}
	return step.Description
}
