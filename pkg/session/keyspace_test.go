package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyspace_ChannelsDoNotCollide(t *testing.T) {
	ks := NewKeyspace()

	wa := ks.StateKey("+573001234567", "whatsapp_direct")
	ig := ks.StateKey("+573001234567", "instagram")

	assert.NotEqual(t, wa, ig)
	assert.Equal(t, "conv_state:+573001234567:whatsapp_direct", wa)
	assert.Equal(t, "conv_state:+573001234567:instagram", ig)
}

func TestKeyspace_LegacyFallbackOrder(t *testing.T) {
	ks := NewKeyspace()

	qualified, legacy := ks.StateKeys("+573001234567", "instagram")
	assert.Equal(t, "conv_state:+573001234567:instagram", qualified)
	assert.Equal(t, "conv_state:+573001234567", legacy)

	qualified, legacy = ks.MetaKeys("+573001234567", "instagram")
	assert.Equal(t, "conv_meta:+573001234567:instagram", qualified)
	assert.Equal(t, "conv_meta:+573001234567", legacy)
}

func TestKeyspace_AllKeysCoversLegacyRemnants(t *testing.T) {
	ks := NewKeyspace()

	keys := ks.AllKeys("+573001234567", "facebook")
	assert.Len(t, keys, 4)
	assert.Contains(t, keys, "conv_state:+573001234567:facebook")
	assert.Contains(t, keys, "conv_meta:+573001234567:facebook")
	assert.Contains(t, keys, "conv_state:+573001234567")
	assert.Contains(t, keys, "conv_meta:+573001234567")
}

func TestSplitID(t *testing.T) {
	identity, channel := SplitID(ID("+573001234567", "whatsapp_direct"))
	assert.Equal(t, "+573001234567", identity)
	assert.Equal(t, "whatsapp_direct", channel)
}
