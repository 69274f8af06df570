package session

import (
	"strings"

	"conversation-coordinator/pkg/constants"
)

// Keyspace derives the storage keys for an (identity, channel) session.
// Channel qualification keeps the same phone number arriving on two
// channels from colliding. Reads resolve in two phases: the qualified key
// first, then the legacy channel-less key left behind by records written
// before segregation. Writes always go forward to the qualified key, so
// legacy records retire via TTL.
type Keyspace struct {
	statePrefix string
	metaPrefix  string
}

func NewKeyspace() *Keyspace {
	return &Keyspace{
		statePrefix: constants.ConversationStatePrefix,
		metaPrefix:  constants.ConversationMetaPrefix,
	}
}

// ID is the canonical "<identity>:<channel>" pair used as the
// member in shared indexes and as the aggregation session key.
func ID(identity, channel string) string {
	return identity + ":" + channel
}

// SplitID reverses ID. The identity is E.164-shaped and never contains a
// colon, so the first separator wins.
func SplitID(sessionID string) (identity, channel string) {
	if i := strings.Index(sessionID, ":"); i >= 0 {
		return sessionID[:i], sessionID[i+1:]
	}
	return sessionID, ""
}

func (k *Keyspace) StateKey(identity, channel string) string {
	return k.statePrefix + ID(identity, channel)
}

func (k *Keyspace) MetaKey(identity, channel string) string {
	return k.metaPrefix + ID(identity, channel)
}

// LegacyStateKey is the pre-segregation key shape. Read-path fallback
// only; nothing writes it.
func (k *Keyspace) LegacyStateKey(identity string) string {
	return k.statePrefix + identity
}

func (k *Keyspace) LegacyMetaKey(identity string) string {
	return k.metaPrefix + identity
}

// StateKeys returns the qualified key and its legacy fallback, in
// resolution order.
func (k *Keyspace) StateKeys(identity, channel string) (qualified, legacy string) {
	return k.StateKey(identity, channel), k.LegacyStateKey(identity)
}

func (k *Keyspace) MetaKeys(identity, channel string) (qualified, legacy string) {
	return k.MetaKey(identity, channel), k.LegacyMetaKey(identity)
}

// AllKeys lists every key a session may occupy, qualified and legacy, for
// full eviction on close.
func (k *Keyspace) AllKeys(identity, channel string) []string {
	return []string{
		k.StateKey(identity, channel),
		k.MetaKey(identity, channel),
		k.LegacyStateKey(identity),
		k.LegacyMetaKey(identity),
	}
}
