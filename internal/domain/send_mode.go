package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mr-tron/base58"
)

// SendMode selects which predictions a model forwards to its webhook.
type SendMode string

const (
	SendAll          SendMode = "all"
	SendAlertsOnly   SendMode = "alerts_only"
	SendPositiveOnly SendMode = "positive_only"
	SendNegativeOnly SendMode = "negative_only"
)

var sendModeOrder = map[SendMode]int{
	SendAll:          0,
	SendAlertsOnly:   1,
	SendPositiveOnly: 2,
	SendNegativeOnly: 3,
}

// Valid reports whether m is a known mode.
func (m SendMode) Valid() bool {
	_, ok := sendModeOrder[m]
	return ok
}

// SendModeSet is a normalized set of send modes in canonical order.
type SendModeSet []SendMode

// Normalize deduplicates, drops unknown modes and orders the set.
// An empty set means "all".
func (s SendModeSet) Normalize() SendModeSet {
	seen := make(map[SendMode]bool, len(s))
	var out SendModeSet
	for _, want := range []SendMode{SendAll, SendAlertsOnly, SendPositiveOnly, SendNegativeOnly} {
		for _, m := range s {
			if m == want && !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	if len(out) == 0 {
		return SendModeSet{SendAll}
	}
	return out
}

// Allows reports whether a prediction with the given tag passes the set.
// Any matching mode admits it; "all" admits everything.
func (s SendModeSet) Allows(tag Tag) bool {
	if len(s) == 0 {
		return true
	}
	for _, m := range s {
		switch m {
		case SendAll:
			return true
		case SendAlertsOnly:
			if tag == TagAlert {
				return true
			}
		case SendPositiveOnly:
			if tag == TagPositive || tag == TagAlert {
				return true
			}
		case SendNegativeOnly:
			if tag == TagNegative {
				return true
			}
		}
	}
	return false
}

// Has reports membership.
func (s SendModeSet) Has(m SendMode) bool {
	for _, x := range s {
		if x == m {
			return true
		}
	}
	return false
}

// ParseSendModes accepts the historical encodings of the send-mode field:
// a JSON array, a bare string, a comma-separated string or a JSON array
// serialized inside a string.
func ParseSendModes(raw []byte) (SendModeSet, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return SendModeSet{SendAll}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, fmt.Errorf("%w: send_mode: %v", ErrInvalidSettings, err)
		}
		str = strings.TrimSpace(str)
		if strings.HasPrefix(str, "[") {
			return ParseSendModes([]byte(str))
		}
		list = strings.Split(str, ",")
	}
	set := make(SendModeSet, 0, len(list))
	for _, s := range list {
		m := SendMode(strings.ToLower(strings.TrimSpace(s)))
		if m == "" {
			continue
		}
		if !m.Valid() {
			return nil, fmt.Errorf("%w: unknown send mode %q", ErrInvalidSettings, s)
		}
		set = append(set, m)
	}
	return set.Normalize(), nil
}

// UnmarshalJSON accepts every encoding handled by ParseSendModes.
func (s *SendModeSet) UnmarshalJSON(b []byte) error {
	set, err := ParseSendModes(b)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

// CoinFilterMode is either "all" or "whitelist".
type CoinFilterMode string

const (
	CoinFilterAll       CoinFilterMode = "all"
	CoinFilterWhitelist CoinFilterMode = "whitelist"
)

// CoinFilter restricts which coins a model predicts on.
type CoinFilter struct {
	Mode      CoinFilterMode `json:"mode"`
	Whitelist []string       `json:"whitelist"`
}

// Allows reports whether the mint passes the filter.
func (f CoinFilter) Allows(mint string) bool {
	if f.Mode != CoinFilterWhitelist {
		return true
	}
	for _, w := range f.Whitelist {
		if w == mint {
			return true
		}
	}
	return false
}

// Normalize defaults the mode and orders the whitelist.
func (f CoinFilter) Normalize() CoinFilter {
	if f.Mode == "" {
		f.Mode = CoinFilterAll
	}
	list := make([]string, 0, len(f.Whitelist))
	seen := make(map[string]bool, len(f.Whitelist))
	for _, w := range f.Whitelist {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		list = append(list, w)
	}
	sort.Strings(list)
	f.Whitelist = list
	return f
}

// Validate checks the mode and every whitelist entry.
func (f CoinFilter) Validate() error {
	if f.Mode != CoinFilterAll && f.Mode != CoinFilterWhitelist && f.Mode != "" {
		return fmt.Errorf("%w: unknown coin filter mode %q", ErrInvalidSettings, f.Mode)
	}
	for _, w := range f.Whitelist {
		if err := ValidateMint(w); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMint checks that s is a base58-encoded 32-byte Solana public key.
func ValidateMint(s string) error {
	b, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("%w: mint %q is not base58", ErrInvalidSettings, s)
	}
	if len(b) != 32 {
		return fmt.Errorf("%w: mint %q decodes to %d bytes", ErrInvalidSettings, s, len(b))
	}
	return nil
}
