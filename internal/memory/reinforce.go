package memory

import (
	"strings"

	"github.com/nugget/blendchat/internal/prompts"
)

// DefaultReinforceEvery is how many user turns pass between periodic
// identity reinforcements.
const DefaultReinforceEvery = 5

// ReinforcementPolicy decides when to inject a synthetic identity
// exchange into the history. Trimming favors recent exchanges; periodic
// reinforcement keeps an important exchange inside that window even in
// long conversations.
//
// Turns are counted on the persisted history, which has already been
// trimmed on earlier turns. The count therefore drifts from the number
// of real turns once trimming starts dropping exchanges. Synthetic
// exchanges written by the policy itself are not counted.
type ReinforcementPolicy struct {
	persona prompts.Persona
	every   int

	seed      Exchange
	periodic  Exchange
	manual    Exchange
	reminder  Exchange
	synthetic map[Exchange]struct{}
}

// NewReinforcementPolicy creates a policy for persona that reinforces
// every N user turns. every <= 0 disables periodic reinforcement.
func NewReinforcementPolicy(persona prompts.Persona, every int) *ReinforcementPolicy {
	p := &ReinforcementPolicy{persona: persona, every: every}
	p.seed = exchangeOf(persona.SeedExchange())
	p.periodic = exchangeOf(persona.ReinforcementExchange())
	p.manual = exchangeOf(persona.ManualReinforcementExchange())
	p.synthetic = map[Exchange]struct{}{
		p.seed:     {},
		p.periodic: {},
		p.manual:   {},
	}
	if persona.TopicKeyword != "" {
		p.reminder = exchangeOf(persona.TopicReminderExchange())
		p.synthetic[p.reminder] = struct{}{}
	}
	return p
}

func exchangeOf(user, assistant string) Exchange {
	return Exchange{User: user, Assistant: assistant}
}

// Seed returns the exchange that initializes a new memory file.
func (p *ReinforcementPolicy) Seed() Exchange { return p.seed }

// Manual returns the exchange appended by an explicit reinforce request.
func (p *ReinforcementPolicy) Manual() Exchange { return p.manual }

// IsSynthetic reports whether ex was produced by the policy rather than
// by a real conversation turn.
func (p *ReinforcementPolicy) IsSynthetic(ex Exchange) bool {
	_, ok := p.synthetic[ex]
	return ok
}

// Turns counts the user turns in h that came from real conversation.
func (p *ReinforcementPolicy) Turns(h History) int {
	n := 0
	for _, ex := range h.Exchanges {
		if !p.IsSynthetic(ex) {
			n++
		}
	}
	return n
}

// Apply inspects h, which already ends with latest, and returns the
// synthetic exchanges to append before trimming. Periodic reinforcement
// fires when the turn count is a multiple of the interval. Otherwise, if
// the persona has a topic keyword, a reply that never mentions it after
// the second turn earns a topic reminder.
func (p *ReinforcementPolicy) Apply(h History, latest Exchange) []Exchange {
	turns := p.Turns(h)
	if p.every > 0 && turns > 0 && turns%p.every == 0 {
		return []Exchange{p.periodic}
	}
	keyword := strings.ToLower(p.persona.TopicKeyword)
	if keyword != "" && turns > 2 && !strings.Contains(strings.ToLower(latest.Assistant), keyword) {
		return []Exchange{p.reminder}
	}
	return nil
}
