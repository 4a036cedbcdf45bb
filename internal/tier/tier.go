// Package tier defines the ordinal priority levels used to rank prefetch work.
package tier

import (
	"fmt"
	"strings"
)

// Tier is a 5-level priority ordinal. Higher values rank first.
type Tier int

const (
	Background Tier = iota
	Low
	Medium
	High
	Critical
)

var names = [...]string{"background", "low", "medium", "high", "critical"}

func (t Tier) String() string {
	if t < Background || t > Critical {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return names[t]
}

// Valid reports whether t is one of the five defined tiers.
func (t Tier) Valid() bool { return t >= Background && t <= Critical }

// Down lowers t by one step, floored at Background.
func (t Tier) Down() Tier {
	if t <= Background {
		return Background
	}
	return t - 1
}

// Parse accepts a tier name, case-insensitive.
func Parse(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return Tier(i), nil
		}
	}
	return Background, fmt.Errorf("unknown priority tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
