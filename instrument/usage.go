package instrument

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RawUsage holds the token fields a provider reported, in whichever of the
// two known shapes it uses. Missing fields stay zero.
type RawUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	InputTokens      int64
	OutputTokens     int64
}

// Usage is the canonical token accounting recorded on a span.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// NormalizeUsage maps raw provider usage onto the canonical shape. It
// reports false for UsageNone so callers can tell "no usage" apart from
// "zero usage".
func NormalizeUsage(schema UsageSchema, raw RawUsage) (Usage, bool) {
	switch schema {
	case UsagePromptCompletion:
		usage := Usage{
			PromptTokens:     raw.PromptTokens,
			CompletionTokens: raw.CompletionTokens,
			TotalTokens:      raw.TotalTokens,
		}
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		return usage, true
	case UsageInputOutput:
		// Provider totals are ignored for this shape.
		return Usage{
			PromptTokens:     raw.InputTokens,
			CompletionTokens: raw.OutputTokens,
			TotalTokens:      raw.InputTokens + raw.OutputTokens,
		}, true
	default:
		return Usage{}, false
	}
}

// Attributes returns the six canonical usage attributes.
func (u Usage) Attributes() map[string]int64 {
	return map[string]int64{
		AttrGenAIUsagePromptTokens:     u.PromptTokens,
		AttrGenAIUsageCompletionTokens: u.CompletionTokens,
		AttrGenAIUsageTotalTokens:      u.TotalTokens,
		AttrAIPromptTokens:             u.PromptTokens,
		AttrAICompletionTokens:         u.CompletionTokens,
		AttrAITotalTokens:              u.TotalTokens,
	}
}

// parseUsagePayload extracts the usage object from a decoded JSON response.
// It reports false when the payload has no usage object at all.
func parseUsagePayload(payload map[string]any) (RawUsage, bool) {
	if payload == nil {
		return RawUsage{}, false
	}
	usage, ok := payload["usage"].(map[string]any)
	if !ok {
		return RawUsage{}, false
	}
	return RawUsage{
		PromptTokens:     firstInt(usage, "prompt_tokens"),
		CompletionTokens: firstInt(usage, "completion_tokens"),
		TotalTokens:      firstInt(usage, "total_tokens"),
		InputTokens:      firstInt(usage, "input_tokens"),
		OutputTokens:     firstInt(usage, "output_tokens"),
	}, true
}

// ParseUsageJSON decodes body and extracts its usage object.
func ParseUsageJSON(body []byte) (RawUsage, bool) {
	value := strings.TrimSpace(string(body))
	if value == "" {
		return RawUsage{}, false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		return RawUsage{}, false
	}
	return parseUsagePayload(payload)
}

func firstInt(values map[string]any, keys ...string) int64 {
	for _, key := range keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		switch typed := raw.(type) {
		case float64:
			return int64(typed)
		case int:
			return int64(typed)
		case int64:
			return typed
		case json.Number:
			parsed, err := typed.Int64()
			if err == nil {
				return parsed
			}
		case string:
			parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
			if err == nil {
				return parsed
			}
		}
	}
	return 0
}
