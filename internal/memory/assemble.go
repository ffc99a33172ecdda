package memory

import (
	"log/slog"
	"math"

	"github.com/nugget/blendchat/internal/prompts"
)

// innerHistoryRatio is the share of the post-banner budget handed to the
// history when the first assembly overflows.
const innerHistoryRatio = 0.70

// Assembler builds the outbound request: instruction banner, history,
// closing banner, current user message.
type Assembler struct {
	trimmer *Trimmer
	persona prompts.Persona
	logger  *slog.Logger
}

// NewAssembler creates an assembler that re-trims with trimmer and names
// the assistant after persona.
func NewAssembler(trimmer *Trimmer, persona prompts.Persona, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if trimmer == nil {
		trimmer = NewTrimmer(nil, logger)
	}
	return &Assembler{trimmer: trimmer, persona: persona, logger: logger}
}

// Assemble returns the request text for userMessage within budget tokens.
// An empty systemPrompt uses the persona's. When the full history does
// not fit, the history is re-trimmed to 70% of what the banners leave
// over; when not even an empty history fits, the result is the minimal
// fallback of role statement plus raw message. Assemble never fails.
func (a *Assembler) Assemble(systemPrompt string, h History, userMessage string, budget int) string {
	if systemPrompt == "" {
		systemPrompt = a.persona.SystemPrompt
	}
	name := a.persona.Name
	header := prompts.ContextHeader(systemPrompt)

	if h.IsEmpty() {
		msg := header + prompts.FirstMessageFooter(userMessage, name)
		if EstimateTokens(msg) <= budget {
			return msg
		}
		return a.fallback(userMessage, budget, "first message exceeds budget")
	}

	footer := prompts.ContextFooter(userMessage, name)
	full := withHistory(header, h, footer)
	if EstimateTokens(full) <= budget {
		return full
	}

	bannerTokens := EstimateTokens(header) + EstimateTokens(footer)
	inner := int(math.Floor(innerHistoryRatio * float64(budget-bannerTokens)))
	if inner > 0 {
		trimmed := a.trimmer.Trim(h, inner)
		if trimmed.Len() > 0 {
			full = withHistory(header, trimmed, footer)
			if EstimateTokens(full) <= budget {
				a.logger.Debug("history re-trimmed for request",
					"budget", budget,
					"history_budget", inner,
					"kept", trimmed.Len(),
					"of", h.Len(),
				)
				return full
			}
		}
	}

	bare := header + prompts.TrimmedFooter(userMessage, name)
	if EstimateTokens(bare) <= budget {
		a.logger.Warn("history dropped from request to fit budget",
			"budget", budget,
			"exchanges", h.Len(),
		)
		return bare
	}
	return a.fallback(userMessage, budget, "banners exceed budget")
}

func withHistory(header string, h History, footer string) string {
	return header + "\n" + h.Serialize() + footer
}

func (a *Assembler) fallback(userMessage string, budget int, reason string) string {
	a.logger.Warn("using minimal request",
		"reason", reason,
		"budget", budget,
	)
	return prompts.FallbackMessage(a.persona.RoleStatement, userMessage)
}
