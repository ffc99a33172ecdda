package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/nugget/blendchat/internal/prompts"
)

const testSystemPrompt = "You are a test assistant for 3D modeling."

func newTestAssembler() *Assembler {
	persona := prompts.DefaultPersona()
	persona.SystemPrompt = testSystemPrompt
	return NewAssembler(NewTrimmer(MarkerPhrases(persona.ImportantPhrases...), nil), persona, nil)
}

func TestAssemble_FirstMessage(t *testing.T) {
	a := newTestAssembler()

	got := a.Assemble("", History{}, "How do I add a cube?", 4000)

	for _, want := range []string{testSystemPrompt, "[No previous conversation]", "User: How do I add a cube?"} {
		if !strings.Contains(got, want) {
			t.Errorf("request missing %q:\n%s", want, got)
		}
	}
}

func TestAssemble_TinyBudgetFallsBack(t *testing.T) {
	a := newTestAssembler()

	got := a.Assemble("", History{}, "hello", 10)

	want := prompts.FallbackMessage(prompts.DefaultPersona().RoleStatement, "hello")
	if got != want {
		t.Errorf("Assemble = %q, want %q", got, want)
	}
}

func TestAssemble_FullHistoryFits(t *testing.T) {
	a := newTestAssembler()
	h := History{Exchanges: []Exchange{{User: "What is a vertex?", Assistant: "A point in 3D space."}}}

	got := a.Assemble("custom prompt", h, "And an edge?", 4000)

	for _, want := range []string{"custom prompt", h.Serialize(), "END OF CONVERSATION HISTORY", "User: And an edge?"} {
		if !strings.Contains(got, want) {
			t.Errorf("request missing %q", want)
		}
	}
	if strings.Contains(got, testSystemPrompt) {
		t.Error("explicit system prompt should replace the persona's")
	}
}

func TestAssemble_RetrimsToInnerBudget(t *testing.T) {
	a := newTestAssembler()
	var h History
	for i := 0; i < 100; i++ {
		h.Exchanges = append(h.Exchanges, sized(fmt.Sprintf("question %02d", i), "answer ", 120))
	}
	msg := "What next?"
	banners := EstimateTokens(prompts.ContextHeader(testSystemPrompt)) +
		EstimateTokens(prompts.ContextFooter(msg, prompts.DefaultPersona().Name))
	budget := banners + 200

	got := a.Assemble("", h, msg, budget)

	if tokens := EstimateTokens(got); tokens > budget {
		t.Errorf("request is %d tokens, budget %d", tokens, budget)
	}
	if !strings.Contains(got, "question 99") {
		t.Error("most recent exchange missing after re-trim")
	}
	if strings.Contains(got, "question 00") {
		t.Error("oldest exchange should have been trimmed")
	}
	if !strings.Contains(got, "User: "+msg) {
		t.Error("current message missing")
	}
}

func TestAssemble_DropsHistoryWhenNothingFits(t *testing.T) {
	a := newTestAssembler()
	h := History{Exchanges: []Exchange{sized("enormous", "", 8000)}}
	msg := "hi"
	bare := prompts.ContextHeader(testSystemPrompt) + prompts.TrimmedFooter(msg, prompts.DefaultPersona().Name)
	budget := EstimateTokens(bare) + 5

	got := a.Assemble("", h, msg, budget)

	if got != bare {
		t.Errorf("expected header plus trimmed footer, got:\n%s", got)
	}
}
