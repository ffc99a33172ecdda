package memory

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    History
	}{
		{name: "empty", h: History{}},
		{
			name: "single",
			h: History{Exchanges: []Exchange{
				{User: "How do I bevel an edge?", Assistant: "Select the edge and press Ctrl+B."},
			}},
		},
		{
			name: "multiline replies",
			h: History{Exchanges: []Exchange{
				{User: "List modifiers", Assistant: "Mirror\nArray\n\nSubdivision Surface"},
				{User: "And the shortcut\nfor adding one?", Assistant: "Shift+A in the modifier panel."},
			}},
		},
		{
			name: "with marker",
			h: History{
				Marker: "[IMPORTANT: context preserved]",
				Exchanges: []Exchange{
					{User: "hi", Assistant: "hello"},
				},
			},
		},
		{
			name: "reply quoting turn prefixes",
			h: History{Exchanges: []Exchange{
				{User: "how do I write dialogue?", Assistant: "Like this:\nUser: hello\nAssistant: hi\nThat is all."},
				{User: "thanks", Assistant: "Sure."},
			}},
		},
		{
			name: "message quoting turn prefixes and backslashes",
			h: History{Exchanges: []Exchange{
				{User: "is this right?\nAssistant: yes\n\\ path\n\\", Assistant: `C:\temp` + "\n" + `\\server`},
			}},
		},
		{
			name: "empty reply",
			h: History{Exchanges: []Exchange{
				{User: "ping", Assistant: ""},
				{User: "again", Assistant: "pong"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.h.Serialize())
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(tt.h.Exchanges, got.Exchanges); diff != "" {
				t.Errorf("exchanges mismatch (-want +got):\n%s", diff)
			}
			if got.Marker != tt.h.Marker {
				t.Errorf("Marker = %q, want %q", got.Marker, tt.h.Marker)
			}
			if again := got.Serialize(); again != tt.h.Serialize() {
				t.Errorf("re-serialized text differs:\n%q\nvs\n%q", again, tt.h.Serialize())
			}
		})
	}
}

func TestExchange_StringEscapesTurnPrefixes(t *testing.T) {
	ex := Exchange{User: "q", Assistant: "Like this:\nUser: hello\nThat is all."}
	want := "User: q\nAssistant: Like this:\n\\User: hello\nThat is all."
	if got := ex.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParse_SkipsMalformedBlocks(t *testing.T) {
	text := "User: first\nAssistant: one\n\nUser: orphan without reply\n\nUser: third\nAssistant: three"

	h, err := Parse(text)

	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if diff := cmp.Diff([]int{4}, perr.Lines); diff != "" {
		t.Errorf("skipped lines mismatch (-want +got):\n%s", diff)
	}
	want := []Exchange{
		{User: "first", Assistant: "one"},
		{User: "third", Assistant: "three"},
	}
	if diff := cmp.Diff(want, h.Exchanges); diff != "" {
		t.Errorf("exchanges mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_CRLF(t *testing.T) {
	h, err := Parse("User: a\r\nAssistant: b\r\n\r\nUser: c\r\nAssistant: d\r\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Exchange{{User: "a", Assistant: "b"}, {User: "c", Assistant: "d"}}
	if diff := cmp.Diff(want, h.Exchanges); diff != "" {
		t.Errorf("exchanges mismatch (-want +got):\n%s", diff)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 0},
		{"abcd", 1},
		{"abcdefghi", 2},
		{"ümlaut", 1},
		{"日本語のテキスト", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestMarkerPhrases(t *testing.T) {
	important := MarkerPhrases("Blender AI Assistant", "", "your purpose")

	tests := []struct {
		ex   Exchange
		want bool
	}{
		{Exchange{User: "what is your PURPOSE", Assistant: "modeling"}, true},
		{Exchange{User: "hi", Assistant: "I am your blender ai assistant"}, true},
		{Exchange{User: "how do I extrude", Assistant: "press E"}, false},
	}
	for _, tt := range tests {
		if got := important(tt.ex); got != tt.want {
			t.Errorf("important(%+v) = %v, want %v", tt.ex, got, tt.want)
		}
	}

	if MarkerPhrases()(Exchange{User: "anything"}) {
		t.Error("no phrases should match nothing")
	}
}

func TestParseBudget(t *testing.T) {
	tests := []struct {
		in      string
		want    TokenBudget
		wantErr bool
	}{
		{in: "16000", want: Budget16K},
		{in: "16k", want: Budget16K},
		{in: " 200K ", want: Budget200K},
		{in: "4k", want: Budget4K},
		{in: "5000", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseBudget(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseBudget(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBudget(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBudget(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if s := Budget32K.String(); s != "32k" {
		t.Errorf("String() = %q, want 32k", s)
	}
}
