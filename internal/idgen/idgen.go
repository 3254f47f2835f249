// Package idgen generates random identifiers for peerex records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random RFC 4122 v4 id.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "trd_9f2c...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Prefixes used across the service so ids are recognisable in logs.
const (
	OrderPrefix   = "ord_"
	TradePrefix   = "trd_"
	MessagePrefix = "msg_"
	HoldPrefix    = "hold_"
	EntryPrefix   = "ent_"
)
