package llm

import (
	"testing"

	"sagaforge/internal/config"
)

func roleConfig(model string, temp float64, maxTokens int) config.RoleConfig {
	return config.RoleConfig{Model: model, Temperature: &temp, MaxTokens: maxTokens}
}

func TestStripReasoning(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no markup", "The gate opened.", "The gate opened."},
		{"think block", "<think>plan the scene</think>\nThe gate opened.", "The gate opened."},
		{"reasoning block mid text", "Start. <Reasoning>hidden\nlines</Reasoning> End.", "Start.  End."},
		{"multiple blocks", "<think>a</think>One.<think>b</think>Two.", "One.Two."},
		{"missing opener", "internal notes</think>The gate opened.", "The gate opened."},
		{"unterminated opener", "The gate opened.<think>and then I", "The gate opened."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripReasoning(tt.in); got != tt.want {
				t.Fatalf("StripReasoning(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "Here you go:\n```json\n{\"a\": 2}\n```", `{"a": 2}`, true},
		{"surrounded", `Sure! {"a": {"b": 3}} Hope that helps.`, `{"a": {"b": 3}}`, true},
		{"invalid", `{"a": }`, "", false},
		{"no object", "just prose", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("ExtractJSON(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}
