package inference

import "testing"

func TestSanitizeAssistantForContext(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "removes closed think block",
			in:   "<THINK>internal</think>\nHello there",
			want: "Hello there",
		},
		{
			name: "removes unclosed think block tail",
			in:   "Sure.<think>internal only",
			want: "Sure.",
		},
		{
			name: "removes chat markers",
			in:   "Answer<|eot_id|><|end_of_text|>",
			want: "Answer",
		},
		{
			name: "removes token placeholders",
			in:   "a<token 128256>b <token x> c",
			want: "ab <token x> c",
		},
		{
			name: "keeps plain text",
			in:   "All good.",
			want: "All good.",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SanitizeAssistantForContext(tc.in)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
