package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtractDialogues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []Dialogue
	}{
		{
			name: "explicit tag with emotion",
			text: `<dialogue character="Mira" emotion="joy">found it!</dialogue>`,
			want: []Dialogue{{Character: "Mira", Emotion: "joy", Text: "found it!"}},
		},
		{
			name: "explicit tag defaults to neutral",
			text: `<dialogue character="Mira">hm.</dialogue>`,
			want: []Dialogue{{Character: "Mira", Emotion: "neutral", Text: "hm."}},
		},
		{
			name: "tag spans lines",
			text: "<dialogue character=\"Mira\" emotion=\"calm\">line one\nline two</dialogue>",
			want: []Dialogue{{Character: "Mira", Emotion: "calm", Text: "line one\nline two"}},
		},
		{
			name: "corner quotes",
			text: "ミラ：「おはよう」",
			want: []Dialogue{{Character: "ミラ", Emotion: "neutral", Text: "おはよう"}},
		},
		{
			name: "curly quotes",
			text: "Mira: “good morning”",
			want: []Dialogue{{Character: "Mira", Emotion: "neutral", Text: "good morning"}},
		},
		{
			name: "plain quotes",
			text: `Mira: "good morning"`,
			want: []Dialogue{{Character: "Mira", Emotion: "neutral", Text: "good morning"}},
		},
		{
			name: "multiple speakers in order",
			text: `Mira: "hello" then Rin: "hi"`,
			want: []Dialogue{
				{Character: "Mira", Emotion: "neutral", Text: "hello"},
				{Character: "Rin", Emotion: "neutral", Text: "hi"},
			},
		},
		{
			name: "duplicate text deduplicated, first wins",
			text: `<dialogue character="Mira" emotion="joy">same line</dialogue> later Rin: "same line"`,
			want: []Dialogue{{Character: "Mira", Emotion: "joy", Text: "same line"}},
		},
		{
			name: "narration without dialogue",
			text: "The rain fell quietly over the rooftops.",
			want: nil,
		},
		{
			name: "whitespace-only speech ignored",
			text: `<dialogue character="Mira">   </dialogue>`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractDialogues(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ExtractDialogues mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
