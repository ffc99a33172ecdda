package memory

import (
	"log/slog"

	"github.com/nugget/blendchat/internal/prompts"
)

// DefaultReserveRatio is the share of the budget that important
// exchanges may claim before recency fill begins.
const DefaultReserveRatio = 0.30

// Trimmer selects which exchanges of a history survive a token budget.
// Selection is greedy and deterministic: important exchanges first, up
// to a reserve, then the most recent exchanges until the budget is full.
type Trimmer struct {
	important       ImportanceFunc
	reserveRatio    float64
	preservedMarker string
	truncatedMarker string
	logger          *slog.Logger
}

// TrimmerOption configures a Trimmer built by NewTrimmer.
type TrimmerOption func(*Trimmer)

// WithMarkers overrides the marker lines. preserved is prepended when the
// newest important exchange was dropped; truncated replaces a history of
// which nothing fits.
func WithMarkers(preserved, truncated string) TrimmerOption {
	return func(t *Trimmer) {
		t.preservedMarker = preserved
		t.truncatedMarker = truncated
	}
}

// NewTrimmer creates a trimmer. A nil important func means no exchange is
// important. Markers default to the built-in persona's wording.
func NewTrimmer(important ImportanceFunc, logger *slog.Logger, opts ...TrimmerOption) *Trimmer {
	if important == nil {
		important = NeverImportant
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trimmer{
		important:       important,
		reserveRatio:    DefaultReserveRatio,
		preservedMarker: prompts.PreservedMarker(prompts.DefaultPersona().Name),
		truncatedMarker: prompts.TruncatedMarker,
		logger:          logger,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// selection tracks admitted exchanges and the exact character length of
// their serialized join, so the token estimate of the result is known
// without re-serializing.
type selection struct {
	sizes    []int
	admitted []bool
	chars    int
	count    int
}

// charsWith returns the serialized length if exchange i were admitted.
func (s *selection) charsWith(i int) int {
	chars := s.chars + s.sizes[i]
	if s.count > 0 {
		chars += len(exchangeSeparator)
	}
	return chars
}

func (s *selection) admit(i int) {
	s.chars = s.charsWith(i)
	s.count++
	s.admitted[i] = true
}

// Trim returns the subset of h that fits budget tokens, in chronological
// order. A history whose exchanges already fit keeps all of them.
//
// The marker is recomputed rather than carried over: a preserved marker
// read back from h survives only while h still holds no important
// exchange, and a truncation marker never sits beside exchanges.
//
// Recency fill stops at the first exchange that does not fit, so an
// oversized newest exchange shuts out older, smaller ones even when they
// would fit. When nothing is admitted the result is a lone truncation
// marker, which may itself exceed a very small budget. Otherwise the
// estimate of the serialized result never exceeds budget.
func (t *Trimmer) Trim(h History, budget int) History {
	if len(h.Exchanges) == 0 {
		return h.clone()
	}
	before := EstimateTokens(h.Serialize())
	if kept, ok := t.fitsWhole(h, budget); ok {
		return kept
	}

	n := len(h.Exchanges)
	sel := &selection{
		sizes:    make([]int, n),
		admitted: make([]bool, n),
	}
	var important []int
	for i, ex := range h.Exchanges {
		sel.sizes[i] = charCount(ex.String())
		if t.important(ex) {
			important = append(important, i)
		}
	}

	// Pass 1: important exchanges, oldest first, within the reserve.
	reserve := t.reserveRatio * float64(budget)
	for _, i := range important {
		if float64(sel.charsWith(i)/charsPerToken) > reserve {
			break
		}
		sel.admit(i)
	}
	pinned := sel.count

	// Pass 2: everything else, newest first, until the first overflow.
	var recent []int
	for i := n - 1; i >= 0; i-- {
		if sel.admitted[i] {
			continue
		}
		if sel.charsWith(i)/charsPerToken > budget {
			break
		}
		sel.admit(i)
		recent = append(recent, i)
	}

	out := collect(h, sel.admitted)

	if len(important) > 0 && !sel.admitted[important[len(important)-1]] && len(out.Exchanges) > 0 {
		out.Marker = t.preservedMarker
		// The marker costs budget too. Give it back by dropping the
		// oldest recency admissions first.
		for EstimateTokens(out.Serialize()) > budget && len(recent) > 0 {
			last := recent[len(recent)-1]
			recent = recent[:len(recent)-1]
			sel.admitted[last] = false
			out = collect(h, sel.admitted)
			out.Marker = t.preservedMarker
		}
		// Budgets too small for the marker keep the exchanges instead.
		if EstimateTokens(out.Serialize()) > budget {
			out.Marker = ""
		}
	}

	if len(out.Exchanges) == 0 {
		out = History{Marker: t.truncatedMarker}
	}

	t.logger.Debug("history trimmed",
		"budget", budget,
		"from_tokens", before,
		"to_tokens", EstimateTokens(out.Serialize()),
		"from_exchanges", n,
		"kept", len(out.Exchanges),
		"important", len(important),
		"important_pinned", pinned,
		"marker", out.Marker != "",
	)
	return out
}

// fitsWhole returns h with every exchange when they fit budget. A stored
// preserved marker is kept only if no exchange is important and there is
// room for it.
func (t *Trimmer) fitsWhole(h History, budget int) (History, bool) {
	out := h.clone()
	out.Marker = ""
	if EstimateTokens(out.Serialize()) > budget {
		return History{}, false
	}
	if h.Marker != "" && h.Marker == t.preservedMarker && !t.anyImportant(h) {
		out.Marker = h.Marker
		if EstimateTokens(out.Serialize()) > budget {
			out.Marker = ""
		}
	}
	return out, true
}

func (t *Trimmer) anyImportant(h History) bool {
	for _, ex := range h.Exchanges {
		if t.important(ex) {
			return true
		}
	}
	return false
}

// collect gathers admitted exchanges in their original order.
func collect(h History, admitted []bool) History {
	var out History
	for i, ok := range admitted {
		if ok {
			out.Exchanges = append(out.Exchanges, h.Exchanges[i])
		}
	}
	return out
}
