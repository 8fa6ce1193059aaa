package classifier

import (
	"fmt"
	"strings"
)

// Tier is the risk tier of an action. Tiers are ordered: Safe < Caution <
// Critical. The zero value is not a valid tier and is treated as Critical
// by every consumer.
type Tier int

const (
	// Safe actions are read-only or observational.
	Safe Tier = iota + 1
	// Caution actions mutate local, reversible state.
	Caution
	// Critical actions are destructive or irreversible.
	Critical
)

func (t Tier) String() string {
	switch t {
	case Safe:
		return "safe"
	case Caution:
		return "caution"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Effective maps invalid tiers to Critical.
func (t Tier) Effective() Tier {
	switch t {
	case Safe, Caution, Critical:
		return t
	default:
		return Critical
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.Effective().String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTier parses a tier name. "warning" is accepted as an alias of caution.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return Safe, nil
	case "caution", "warning":
		return Caution, nil
	case "critical":
		return Critical, nil
	default:
		return 0, fmt.Errorf("unknown risk tier %q", s)
	}
}
