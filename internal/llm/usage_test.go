package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name     string
		envelope map[string]any
		want     Usage
	}{
		{
			name:     "nil envelope",
			envelope: nil,
			want:     Usage{},
		},
		{
			name:     "no usage-shaped field anywhere",
			envelope: map[string]any{"id": "resp-1", "created": 123},
			want:     Usage{},
		},
		{
			name: "generation info scalars",
			envelope: map[string]any{
				"PromptTokens":     10,
				"CompletionTokens": 20,
				"TotalTokens":      30,
			},
			want: Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
		{
			name: "direct usage object",
			envelope: map[string]any{
				"usage": map[string]any{
					"prompt_tokens":     float64(7),
					"completion_tokens": float64(9),
					"total_tokens":      float64(16),
				},
			},
			want: Usage{InputTokens: 7, OutputTokens: 9, TotalTokens: 16},
		},
		{
			name: "nested response metadata",
			envelope: map[string]any{
				"response_metadata": map[string]any{
					"usage_metadata": map[string]any{
						"input_tokens":  12,
						"output_tokens": 34,
						"total_tokens":  46,
					},
				},
			},
			want: Usage{InputTokens: 12, OutputTokens: 34, TotalTokens: 46},
		},
		{
			name: "legacy llm output token usage",
			envelope: map[string]any{
				"llm_output": map[string]any{
					"token_usage": map[string]any{
						"promptTokens":     3,
						"completionTokens": 4,
						"totalTokens":      7,
					},
				},
			},
			want: Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7},
		},
		{
			name: "legacy callback tokenUsage field",
			envelope: map[string]any{
				"tokenUsage": map[string]any{
					"promptTokens":     5,
					"completionTokens": 6,
				},
			},
			want: Usage{InputTokens: 5, OutputTokens: 6, TotalTokens: 11},
		},
		{
			name: "last resort key scan",
			envelope: map[string]any{
				"some_token_counts": map[string]any{
					"prompt_tokens":     8,
					"completion_tokens": 2,
				},
			},
			want: Usage{InputTokens: 8, OutputTokens: 2, TotalTokens: 10},
		},
		{
			name: "total synthesized only when the sum is non-zero",
			envelope: map[string]any{
				"usage": map[string]any{
					"prompt_tokens":     0,
					"completion_tokens": 0,
				},
			},
			want: Usage{},
		},
		{
			name: "earlier extractor wins over later shapes",
			envelope: map[string]any{
				"usage": map[string]any{"total_tokens": 99},
				"response_metadata": map[string]any{
					"usage_metadata": map[string]any{"total_tokens": 1},
				},
			},
			want: Usage{TotalTokens: 99},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractUsage(tt.envelope))
		})
	}
}
