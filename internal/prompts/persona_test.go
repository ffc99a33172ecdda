package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePersona(t *testing.T) {
	def := DefaultPersona()

	tests := []struct {
		name string
		in   string
		want func(p *Persona)
	}{
		{
			name: "empty keeps defaults",
			in:   "",
			want: func(*Persona) {},
		},
		{
			name: "body only",
			in:   "You help with Houdini.\n",
			want: func(p *Persona) { p.SystemPrompt = "You help with Houdini." },
		},
		{
			name: "frontmatter and body",
			in: "---\nname: Houdini helper\ntopic_keyword: houdini\nimportant_phrases: [houdini helper]\n---\n" +
				"You help with Houdini.\n",
			want: func(p *Persona) {
				p.Name = "Houdini helper"
				p.TopicKeyword = "houdini"
				p.ImportantPhrases = []string{"houdini helper"}
				p.SystemPrompt = "You help with Houdini."
			},
		},
		{
			name: "frontmatter without body",
			in:   "---\npurpose: answer questions\n---\n",
			want: func(p *Persona) { p.Purpose = "answer questions" },
		},
		{
			name: "crlf line endings",
			in:   "---\r\nrole_statement: You are terse.\r\n---\r\nBe brief.\r\n",
			want: func(p *Persona) {
				p.RoleStatement = "You are terse."
				p.SystemPrompt = "Be brief."
			},
		},
		{
			name: "unterminated frontmatter is body",
			in:   "---\nname: nobody",
			want: func(p *Persona) { p.SystemPrompt = "---\nname: nobody" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePersona([]byte(tt.in))
			if err != nil {
				t.Fatalf("ParsePersona() error = %v", err)
			}
			want := def
			want.ImportantPhrases = append([]string(nil), def.ImportantPhrases...)
			tt.want(&want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("persona mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParsePersona_BadFrontmatter(t *testing.T) {
	_, err := ParsePersona([]byte("---\nname: [unclosed\n---\nbody\n"))
	if err == nil || !strings.Contains(err.Error(), "frontmatter") {
		t.Errorf("err = %v, want frontmatter error", err)
	}
}

func TestLoadPersona(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(path, []byte("---\nname: Studio helper\n---\nHelp.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPersona(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Studio helper" || p.SystemPrompt != "Help." {
		t.Errorf("persona = %+v", p)
	}

	if _, err := LoadPersona(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("missing persona file should error")
	}
}

func TestIdentityExchanges(t *testing.T) {
	p := DefaultPersona()
	p.TopicKeyword = "blender"

	tests := []struct {
		name        string
		wantUser    string
		wantInReply []string
	}{
		{"seed", "What are you", []string{p.SystemPrompt, "I am your dedicated Blender AI assistant"}},
		{"reinforce", "confirm your role", []string{"My purpose is to help you"}},
		{"manual", "Just to remind you", []string{p.SystemPrompt, "I'm here specifically to"}},
		{"topic", "help with blender specifically", []string{"I am your Blender AI assistant"}},
	}
	exchanges := map[string]func() (string, string){
		"seed":      p.SeedExchange,
		"reinforce": p.ReinforcementExchange,
		"manual":    p.ManualReinforcementExchange,
		"topic":     p.TopicReminderExchange,
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, reply := exchanges[tt.name]()
			if !strings.Contains(user, tt.wantUser) {
				t.Errorf("user = %q, want it to contain %q", user, tt.wantUser)
			}
			for _, s := range tt.wantInReply {
				if !strings.Contains(reply, s) {
					t.Errorf("reply missing %q:\n%s", s, reply)
				}
			}
		})
	}
}

func TestContextBanners(t *testing.T) {
	header := ContextHeader("SYSTEM")
	if !strings.HasPrefix(header, "CRITICAL SYSTEM INSTRUCTIONS") || !strings.HasSuffix(header, "CONVERSATION HISTORY (READ CAREFULLY):\n") {
		t.Errorf("header = %q", header)
	}
	if !strings.Contains(header, "\nSYSTEM\n") {
		t.Error("header does not carry the system prompt")
	}

	for name, footer := range map[string]string{
		"context": ContextFooter("hi", "Bot"),
		"first":   FirstMessageFooter("hi", "Bot"),
		"trimmed": TrimmedFooter("hi", "Bot"),
	} {
		if !strings.Contains(footer, "CURRENT USER MESSAGE:\nUser: hi\n") {
			t.Errorf("%s footer lacks the user message: %q", name, footer)
		}
		if !strings.Contains(footer, "You are a Bot") {
			t.Errorf("%s footer lacks the assistant name: %q", name, footer)
		}
	}

	if got := FallbackMessage("You are Bot.", "hi"); got != "You are Bot.\n\nUser: hi" {
		t.Errorf("FallbackMessage = %q", got)
	}
	if !strings.Contains(PreservedMarker("Bot"), "You are a Bot with memory") {
		t.Errorf("PreservedMarker = %q", PreservedMarker("Bot"))
	}
}
