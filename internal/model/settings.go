package model

import "strings"

// GroupSettings is the per-group tracking configuration owned by the settings store.
type GroupSettings struct {
	GroupID         string      `json:"group_id"`
	Chain           string      `json:"chain"`
	TokenAddress    string      `json:"token_address"`
	PairAddresses   []string    `json:"all_pair_addresses"`
	MinUSD          float64     `json:"min_usd"`
	MaxUSD          float64     `json:"max_usd"`
	CooldownSeconds int         `json:"cooldown_seconds"`
	Render          RenderPrefs `json:"render"`
}

// RenderPrefs are opaque to the tracking core and consumed by the renderer.
type RenderPrefs struct {
	Emoji        string  `json:"emoji,omitempty"`
	EmojiStepUSD float64 `json:"emoji_step_usd,omitempty"`
	MediaURL     string  `json:"media_url,omitempty"`
	ShowChart    bool    `json:"show_chart,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (g GroupSettings) Clone() GroupSettings {
	out := g
	if g.PairAddresses != nil {
		out.PairAddresses = append([]string(nil), g.PairAddresses...)
	}
	return out
}

// ReferencesPool reports whether the group tracks the given pool on the given chain.
func (g GroupSettings) ReferencesPool(chain, pool string) bool {
	if g.Chain != chain {
		return false
	}
	pool = strings.ToLower(pool)
	for _, addr := range g.PairAddresses {
		if strings.ToLower(addr) == pool {
			return true
		}
	}
	return false
}

// NormalizeAddress trims and lowercases a hex address.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
