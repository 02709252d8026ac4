// Package keyhash maps cache keys onto counter register indexes and names the
// Redis keys that hold fabric state.
package keyhash

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
)

// memcached refuses longer keys
const maxKeyLen = 250

var (
	ErrEmptyKey   = errors.New("key is empty")
	ErrKeyTooLong = errors.New("key exceeds 250 bytes")
	ErrKeyChars   = errors.New("key contains whitespace or control bytes")
)

// Of returns the register index for key in a register of the given size.
func Of(key string, size int) model.KeyHash {
	if size <= 0 {
		return 0
	}
	return model.KeyHash(xxhash.Sum64String(key) % uint64(size))
}

// Validate applies the memcached text protocol key rules.
func Validate(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > maxKeyLen {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c <= ' ' || c == 0x7f {
			return ErrKeyChars
		}
	}
	return nil
}

func RegisterKey(prefix string) string {
	return fmt.Sprintf("%s:counterReg", normPrefix(prefix))
}

func RuleTableKey(prefix string) string {
	return fmt.Sprintf("%s:loadbal", normPrefix(prefix))
}

func normPrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), ":")
	if p == "" {
		return "lethe"
	}
	return p
}
