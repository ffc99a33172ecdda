package memory

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenBudget is one of the selectable memory sizes, in estimated tokens.
type TokenBudget int

// Selectable budgets.
const (
	Budget4K   TokenBudget = 4000
	Budget8K   TokenBudget = 8000
	Budget16K  TokenBudget = 16000
	Budget32K  TokenBudget = 32000
	Budget200K TokenBudget = 200000

	DefaultBudget = Budget16K
)

// Budgets lists every selectable budget, smallest first.
var Budgets = []TokenBudget{Budget4K, Budget8K, Budget16K, Budget32K, Budget200K}

// Tokens returns the budget as a plain token count.
func (b TokenBudget) Tokens() int { return int(b) }

// String renders the budget the way users select it ("16k").
func (b TokenBudget) String() string {
	return strconv.Itoa(int(b)/1000) + "k"
}

// Valid reports whether b is one of [Budgets].
func (b TokenBudget) Valid() bool {
	for _, v := range Budgets {
		if b == v {
			return true
		}
	}
	return false
}

// ParseBudget accepts either the plain token count ("16000") or the short
// form ("16k", "200K").
func ParseBudget(s string) (TokenBudget, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := 1
	if strings.HasSuffix(s, "k") {
		s = strings.TrimSuffix(s, "k")
		mult = 1000
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid token budget %q: %w", s, err)
	}
	b := TokenBudget(n * mult)
	if !b.Valid() {
		return 0, fmt.Errorf("unsupported token budget %d (want one of %v)", n*mult, Budgets)
	}
	return b, nil
}
