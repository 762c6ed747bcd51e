package llm

import "strings"

// Usage is the token accounting reported by the provider for one completion.
// All-zero means the provider surfaced nothing usable, which is a silent
// degradation rather than an error.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// An extractor probes one known shape of the provider response envelope.
// Extractors are pure so each fallback can be tested against fixture
// payloads in isolation.
type extractor func(envelope map[string]any) (Usage, bool)

// extractors are tried in priority order; the first that finds any token
// field wins.
var extractors = []extractor{
	usageFromGenerationInfo,
	usageFromUsageField,
	usageFromResponseMetadata,
	usageFromTokenUsage,
	usageFromTokenScan,
}

// ExtractUsage probes the raw response envelope for token counts. The
// provider SDK has surfaced usage in several places across versions, so the
// shapes are tried in a fixed order. When nothing matches, all counts are
// zero. TotalTokens is only synthesized from input+output when the sum is
// non-zero; an absent total otherwise stays 0 and means "unknown".
func ExtractUsage(envelope map[string]any) Usage {
	if envelope == nil {
		return Usage{}
	}
	for _, extract := range extractors {
		if usage, ok := extract(envelope); ok {
			if usage.TotalTokens == 0 && usage.InputTokens+usage.OutputTokens > 0 {
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			}
			return usage
		}
	}
	return Usage{}
}

// usageFromGenerationInfo reads the scalar fields the current SDK attaches
// directly to a generation choice.
func usageFromGenerationInfo(envelope map[string]any) (Usage, bool) {
	in, okIn := numField(envelope, "PromptTokens")
	out, okOut := numField(envelope, "CompletionTokens")
	total, okTotal := numField(envelope, "TotalTokens")
	if !okIn && !okOut && !okTotal {
		return Usage{}, false
	}
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}, true
}

// usageFromUsageField reads a direct usage object on the response.
func usageFromUsageField(envelope map[string]any) (Usage, bool) {
	usage, ok := asMap(envelope["usage"])
	if !ok {
		return Usage{}, false
	}
	return usageFromObject(usage)
}

// usageFromResponseMetadata reads the usage object nested under the
// provider's response metadata field.
func usageFromResponseMetadata(envelope map[string]any) (Usage, bool) {
	meta, ok := asMap(envelope["response_metadata"])
	if !ok {
		return Usage{}, false
	}
	usage, ok := asMap(meta["usage_metadata"])
	if !ok {
		return Usage{}, false
	}
	return usageFromObject(usage)
}

// usageFromTokenUsage reads the legacy callback-style token usage field,
// either under llm_output or directly on the envelope.
func usageFromTokenUsage(envelope map[string]any) (Usage, bool) {
	if out, ok := asMap(envelope["llm_output"]); ok {
		if usage, ok := asMap(out["token_usage"]); ok {
			return usageFromObject(usage)
		}
	}
	if usage, ok := asMap(envelope["tokenUsage"]); ok {
		return usageFromObject(usage)
	}
	return Usage{}, false
}

// usageFromTokenScan is the last resort: any top-level field whose key
// contains "token" and holds an object is probed for the usual sub-fields.
func usageFromTokenScan(envelope map[string]any) (Usage, bool) {
	for key, value := range envelope {
		if !strings.Contains(strings.ToLower(key), "token") {
			continue
		}
		if usage, ok := asMap(value); ok {
			if parsed, ok := usageFromObject(usage); ok {
				return parsed, true
			}
		}
	}
	return Usage{}, false
}

// usageFromObject reads prompt/completion/total counts from a usage-shaped
// object, accepting the field spellings seen across SDK versions.
func usageFromObject(usage map[string]any) (Usage, bool) {
	in, okIn := numField(usage, "prompt_tokens", "input_tokens", "promptTokens", "inputTokens")
	out, okOut := numField(usage, "completion_tokens", "output_tokens", "completionTokens", "outputTokens")
	total, okTotal := numField(usage, "total_tokens", "totalTokens")
	if !okIn && !okOut && !okTotal {
		return Usage{}, false
	}
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}, true
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}

func numField(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		if n, ok := coerceInt(m[key]); ok {
			return n, true
		}
	}
	return 0, false
}

func coerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}
