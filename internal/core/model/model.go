// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyHash is a counter register index and the match key of a forwarding rule.
type KeyHash uint32

func (k KeyHash) String() string {
	return strconv.FormatUint(uint64(k), 10)
}

// ParseKeyHash parses the decimal form written by String.
func ParseKeyHash(s string) (KeyHash, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse key hash %q: %w", s, err)
	}
	return KeyHash(n), nil
}

type Tier int

const (
	Cold Tier = iota
	Warm1
	Warm2
	Hot
)

func (t Tier) String() string {
	switch t {
	case Warm1:
		return "warm1"
	case Warm2:
		return "warm2"
	case Hot:
		return "hot"
	default:
		return "cold"
	}
}

// Action is the name of the fabric action bound to a tier.
func (t Tier) Action() string {
	return "set_server_" + t.String()
}

// TierFromAction is the inverse of Action. Unknown names map to Cold.
func TierFromAction(action string) Tier {
	switch strings.TrimPrefix(action, "set_server_") {
	case "warm1":
		return Warm1
	case "warm2":
		return Warm2
	case "hot":
		return Hot
	default:
		return Cold
	}
}

// Entry is one tracked key with its popularity score.
type Entry struct {
	Key   KeyHash
	Score uint64
}
