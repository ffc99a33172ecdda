package chat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/blendchat/internal/memory"
	"github.com/nugget/blendchat/internal/opstate"
)

// Preference keys, as accepted by [Preferences.Set] and stored in opstate.
const (
	KeyModel         = "model"
	KeyTokenBudget   = "token_budget"
	KeyMemoryEnabled = "memory_enabled"
	KeyAutoRefresh   = "auto_refresh"
	KeyCustomPrompt  = "custom_prompt"
)

// PreferenceKeys lists the settable keys in display order.
var PreferenceKeys = []string{KeyModel, KeyTokenBudget, KeyMemoryEnabled, KeyAutoRefresh, KeyCustomPrompt}

// Preferences are the per-session choices a user can change between
// requests.
type Preferences struct {
	Model         string
	TokenBudget   memory.TokenBudget
	MemoryEnabled bool
	AutoRefresh   bool
	// CustomPrompt replaces the persona system prompt when non-empty.
	CustomPrompt string
}

// DefaultPreferences returns preferences with memory and auto-refresh on.
func DefaultPreferences(model string) Preferences {
	return Preferences{
		Model:         model,
		TokenBudget:   memory.DefaultBudget,
		MemoryEnabled: true,
		AutoRefresh:   true,
	}
}

// Set parses value into the preference named key.
func (p *Preferences) Set(key, value string) error {
	switch key {
	case KeyModel:
		p.Model = strings.TrimSpace(value)
	case KeyTokenBudget:
		b, err := memory.ParseBudget(value)
		if err != nil {
			return err
		}
		p.TokenBudget = b
	case KeyMemoryEnabled, KeyAutoRefresh:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: want true or false, got %q", key, value)
		}
		if key == KeyMemoryEnabled {
			p.MemoryEnabled = v
		} else {
			p.AutoRefresh = v
		}
	case KeyCustomPrompt:
		p.CustomPrompt = value
	default:
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(PreferenceKeys, ", "))
	}
	return nil
}

// Get renders the preference named key.
func (p Preferences) Get(key string) (string, error) {
	switch key {
	case KeyModel:
		return p.Model, nil
	case KeyTokenBudget:
		return strconv.Itoa(p.TokenBudget.Tokens()), nil
	case KeyMemoryEnabled:
		return strconv.FormatBool(p.MemoryEnabled), nil
	case KeyAutoRefresh:
		return strconv.FormatBool(p.AutoRefresh), nil
	case KeyCustomPrompt:
		return p.CustomPrompt, nil
	}
	return "", fmt.Errorf("unknown setting %q", key)
}

// LoadPreferences overlays the values stored under scope onto def.
func LoadPreferences(st *opstate.Store, scope string, def Preferences) (Preferences, error) {
	p := def
	var err error

	if v, ok, lerr := st.Lookup(scope, KeyModel); lerr != nil {
		return def, fmt.Errorf("load preferences: %w", lerr)
	} else if ok {
		p.Model = v
	}

	budget, err := st.Int(scope, KeyTokenBudget, def.TokenBudget.Tokens())
	if err != nil {
		return def, fmt.Errorf("load preferences: %w", err)
	}
	if p.TokenBudget = memory.TokenBudget(budget); !p.TokenBudget.Valid() {
		return def, fmt.Errorf("load preferences: invalid token budget %d", budget)
	}

	if p.MemoryEnabled, err = st.Bool(scope, KeyMemoryEnabled, def.MemoryEnabled); err != nil {
		return def, fmt.Errorf("load preferences: %w", err)
	}
	if p.AutoRefresh, err = st.Bool(scope, KeyAutoRefresh, def.AutoRefresh); err != nil {
		return def, fmt.Errorf("load preferences: %w", err)
	}
	if v, ok, lerr := st.Lookup(scope, KeyCustomPrompt); lerr != nil {
		return def, fmt.Errorf("load preferences: %w", lerr)
	} else if ok {
		p.CustomPrompt = v
	}
	return p, nil
}

// SavePreferences writes every preference under scope.
func SavePreferences(st *opstate.Store, scope string, p Preferences) error {
	for _, set := range []func() error{
		func() error { return st.Set(scope, KeyModel, p.Model) },
		func() error { return st.SetInt(scope, KeyTokenBudget, p.TokenBudget.Tokens()) },
		func() error { return st.SetBool(scope, KeyMemoryEnabled, p.MemoryEnabled) },
		func() error { return st.SetBool(scope, KeyAutoRefresh, p.AutoRefresh) },
		func() error { return st.Set(scope, KeyCustomPrompt, p.CustomPrompt) },
	} {
		if err := set(); err != nil {
			return fmt.Errorf("save preferences: %w", err)
		}
	}
	return nil
}
