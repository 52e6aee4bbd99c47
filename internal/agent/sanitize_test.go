package agent

import "testing"

func TestSanitizeAssistantText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain text untouched",
			input: "Hello there.",
			want:  "Hello there.",
		},
		{
			name:  "empty passthrough",
			input: "",
			want:  "",
		},
		{
			name:  "surrounding whitespace trimmed",
			input: "  done \n",
			want:  "done",
		},
		{
			name:  "thinking tags stripped",
			input: "<thinking>let me reason</thinking>The answer is 4.",
			want:  "The answer is 4.",
		},
		{
			name:  "think tag case-insensitive and multiline",
			input: "<THINK>\nstep 1\nstep 2\n</THINK>\nDone.",
			want:  "Done.",
		},
		{
			name:  "thought tag stripped",
			input: "Before. <thought>hmm</thought> After.",
			want:  "Before.  After.",
		},
		{
			name:  "tool call XML tags removed",
			input: "Sure.\n<invoke name=\"read\">\n<parameter name=\"path\">x</parameter>\n</invoke>",
			want:  "Sure.\n\nx",
		},
		{
			name:  "duplicate paragraph collapsed",
			input: "Same answer.\n\nSame answer.",
			want:  "Same answer.",
		},
		{
			name:  "non-adjacent repeats survive",
			input: "A\n\nB\n\nA",
			want:  "A\n\nB\n\nA",
		},
		{
			name:  "extra blank paragraphs dropped",
			input: "A\n\n\n\nB",
			want:  "A\n\nB",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeAssistantText(tt.input); got != tt.want {
				t.Errorf("sanitizeAssistantText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStripToolCallXMLLeavesPlainAngleBrackets(t *testing.T) {
	input := "Use x < y and <code>blocks</code> freely."
	if got := stripToolCallXML(input); got != input {
		t.Errorf("stripToolCallXML(%q) = %q, must not touch unrelated markup", input, got)
	}
}
