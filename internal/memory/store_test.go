package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/blendchat/internal/prompts"
)

func newTestStore(t *testing.T, persona prompts.Persona) *Store {
	t.Helper()
	trimmer := NewTrimmer(MarkerPhrases(persona.ImportantPhrases...), nil)
	policy := NewReinforcementPolicy(persona, DefaultReinforceEvery)
	return NewStore(filepath.Join(t.TempDir(), "memory"), trimmer, policy, nil)
}

func TestStore_LoadSeedsOnce(t *testing.T) {
	persona := prompts.DefaultPersona()
	s := newTestStore(t, persona)

	h, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	user, _ := persona.SeedExchange()
	if h.Len() != 1 || h.Exchanges[0].User != user {
		t.Fatalf("expected seed exchange, got %+v", h.Exchanges)
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("backing file not created: %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	h, err = s.Load()
	if err != nil {
		t.Fatalf("Load after Clear: %v", err)
	}
	if !h.IsEmpty() {
		t.Errorf("cleared history re-seeded: %+v", h)
	}
}

func TestStore_AppendPersistsTrimmed(t *testing.T) {
	s := newTestStore(t, prompts.DefaultPersona())
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	var last History
	for i := 0; i < 4; i++ {
		var err error
		last, err = s.Append(Exchange{
			User:      fmt.Sprintf("question %d %s", i, strings.Repeat("q", 200)),
			Assistant: strings.Repeat("a", 200),
		}, 250)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	if tokens := EstimateTokens(last.Serialize()); tokens > 250 {
		t.Errorf("persisted history is %d tokens, budget 250", tokens)
	}
	onDisk, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(last, onDisk); diff != "" {
		t.Errorf("returned history differs from file (-returned +file):\n%s", diff)
	}
	if got := onDisk.Exchanges[onDisk.Len()-1].User; !strings.HasPrefix(got, "question 3 ") {
		t.Errorf("newest exchange not kept, last is %q", got)
	}
}

func TestStore_PeriodicReinforcement(t *testing.T) {
	persona := prompts.DefaultPersona()
	s := newTestStore(t, persona)
	periodicUser, _ := persona.ReinforcementExchange()

	var h History
	for i := 1; i <= 10; i++ {
		var err error
		h, err = s.Append(Exchange{User: fmt.Sprintf("turn %d", i), Assistant: "ok"}, Budget200K.Tokens())
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	var reinforcements []int
	for i, ex := range h.Exchanges {
		if ex.User == periodicUser {
			reinforcements = append(reinforcements, i)
		}
	}
	// seed, turns 1-5, reinforcement, turns 6-10, reinforcement
	if diff := cmp.Diff([]int{6, 12}, reinforcements); diff != "" {
		t.Errorf("reinforcement positions mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Reinforce(t *testing.T) {
	persona := prompts.DefaultPersona()
	s := newTestStore(t, persona)

	h, err := s.Reinforce()
	if err != nil {
		t.Fatalf("Reinforce: %v", err)
	}
	manualUser, _ := persona.ManualReinforcementExchange()
	if h.Len() != 2 || h.Exchanges[1].User != manualUser {
		t.Errorf("expected seed plus manual reinforcement, got %+v", h.Exchanges)
	}
}

func TestStore_LoadSkipsMalformed(t *testing.T) {
	s := newTestStore(t, prompts.DefaultPersona())
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	text := "User: dangling\n\nUser: hello\nAssistant: hi"
	if err := os.WriteFile(s.Path(), []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]Exchange{{User: "hello", Assistant: "hi"}}, h.Exchanges); diff != "" {
		t.Errorf("exchanges mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_ReadErrorIsReported(t *testing.T) {
	dir := t.TempDir()
	// A directory where the file should be makes ReadFile fail.
	if err := os.Mkdir(filepath.Join(dir, HistoryFileName), 0o755); err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir, nil, nil, nil)

	if _, err := s.Load(); err == nil {
		t.Error("expected error reading a directory")
	}
	if _, err := s.Append(Exchange{User: "x", Assistant: "y"}, 1000); err == nil {
		t.Error("expected Append to fail")
	}
}

func TestReinforcementPolicy_TopicReminder(t *testing.T) {
	persona := prompts.DefaultPersona()
	persona.TopicKeyword = "blender"
	policy := NewReinforcementPolicy(persona, DefaultReinforceEvery)
	reminderUser, _ := persona.TopicReminderExchange()

	tests := []struct {
		name  string
		turns int
		reply string
		want  string
	}{
		{name: "early turn", turns: 2, reply: "pasta recipe", want: ""},
		{name: "off topic", turns: 3, reply: "pasta recipe", want: reminderUser},
		{name: "on topic", turns: 3, reply: "In Blender, press Tab", want: ""},
		{name: "periodic wins", turns: 5, reply: "pasta recipe", want: "What are you and what is your purpose? Please confirm your role and capabilities."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := History{Exchanges: []Exchange{policy.Seed()}}
			var latest Exchange
			for i := 0; i < tt.turns; i++ {
				latest = Exchange{User: fmt.Sprintf("turn %d", i), Assistant: tt.reply}
				h.Exchanges = append(h.Exchanges, latest)
			}

			extra := policy.Apply(h, latest)

			var got string
			if len(extra) > 0 {
				got = extra[0].User
			}
			if got != tt.want {
				t.Errorf("Apply added %q, want %q", got, tt.want)
			}
		})
	}
}
