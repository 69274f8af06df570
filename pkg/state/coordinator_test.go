package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-coordinator/pkg/models"
)

func setupTestCoordinator(t *testing.T) (*Coordinator, *Store, *miniredis.Miniredis) {
	t.Helper()
	store, mr := setupTestStore(t)
	return NewCoordinator(store, store.logger, store.metrics), store, mr
}

func TestCoordinator_RequestHandoffPreservesReason(t *testing.T) {
	c, store, _ := setupTestCoordinator(t)
	ctx := context.Background()

	err := c.RequestHandoff(ctx, "+573001234567", "whatsapp_direct", "client asked")
	require.NoError(t, err)

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingHandoff, status)

	meta, err := store.GetMeta(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "client asked", meta.HandoffReason)
}

func TestCoordinator_ActivateHumanThenExpiry(t *testing.T) {
	c, store, mr := setupTestCoordinator(t)
	ctx := context.Background()

	err := c.ActivateHuman(ctx, "+573001234567", "whatsapp_direct", "owner-1", "escalated")
	require.NoError(t, err)

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHumanActive, status)

	meta, err := store.GetMeta(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "owner-1", meta.AssignedOwnerID)
	assert.Equal(t, "escalated", meta.HandoffReason)

	ids, err := store.HumanActiveSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"+573001234567:whatsapp_direct"}, ids)

	// Lease never refreshed: after forced expiry the session reverts to
	// the implicit default.
	mr.FastForward(73 * time.Hour)

	status, err = store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBotActive, status)
}

func TestCoordinator_ActivateBotClearsReason(t *testing.T) {
	c, store, _ := setupTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ActivateHuman(ctx, "+573001234567", "whatsapp_direct", "owner-1", "escalated"))
	require.NoError(t, c.ActivateBot(ctx, "+573001234567", "whatsapp_direct"))

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBotActive, status)

	meta, err := store.GetMeta(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Empty(t, meta.HandoffReason)

	ids, err := store.HumanActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCoordinator_RefreshHumanTTLOnlyWhileHumanActive(t *testing.T) {
	c, store, _ := setupTestCoordinator(t)
	ctx := context.Background()

	// BOT_ACTIVE session: refresh must refuse and write nothing.
	ok, err := c.RefreshHumanTTL(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBotActive, status)

	require.NoError(t, c.ActivateHuman(ctx, "+573001234567", "whatsapp_direct", "owner-1", ""))

	ok, err = c.RefreshHumanTTL(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinator_ClientTimeoutWinsPrecedence(t *testing.T) {
	c, _, _ := setupTestCoordinator(t)
	ctx := context.Background()

	identity, channel := "+573001234567", "whatsapp_direct"
	require.NoError(t, c.ActivateHuman(ctx, identity, channel, "owner-1", ""))

	// Operator spoke last, 25h ago; client last spoke 80h ago. Both
	// windows have elapsed; the client timeout must win.
	base := time.Now()
	c.now = func() time.Time { return base.Add(-80 * time.Hour) }
	require.NoError(t, c.UpdateClientMessageTimestamp(ctx, identity, channel))
	c.now = func() time.Time { return base.Add(-25 * time.Hour) }
	require.NoError(t, c.UpdateOperatorMessageTimestamp(ctx, identity, channel))
	c.now = func() time.Time { return base }

	signal, err := c.CheckConversationTimeout(ctx, identity, channel)
	require.NoError(t, err)
	assert.Equal(t, models.ClientTimeout, signal)
}

func TestCoordinator_AdvisorTimeoutWhenOperatorSilent(t *testing.T) {
	c, _, _ := setupTestCoordinator(t)
	ctx := context.Background()

	identity, channel := "+573001234567", "whatsapp_direct"
	require.NoError(t, c.ActivateHuman(ctx, identity, channel, "owner-1", ""))

	// Client spoke 73h ago; the operator never messaged at all.
	base := time.Now()
	c.now = func() time.Time { return base.Add(-73 * time.Hour) }
	require.NoError(t, c.UpdateClientMessageTimestamp(ctx, identity, channel))
	c.now = func() time.Time { return base }

	signal, err := c.CheckConversationTimeout(ctx, identity, channel)
	require.NoError(t, err)
	assert.Equal(t, models.AdvisorTimeout, signal)
}

func TestCoordinator_NoTimeoutInsideWindows(t *testing.T) {
	c, _, _ := setupTestCoordinator(t)
	ctx := context.Background()

	identity, channel := "+573001234567", "whatsapp_direct"
	require.NoError(t, c.ActivateHuman(ctx, identity, channel, "owner-1", ""))

	base := time.Now()
	c.now = func() time.Time { return base.Add(-2 * time.Hour) }
	require.NoError(t, c.UpdateClientMessageTimestamp(ctx, identity, channel))
	c.now = func() time.Time { return base.Add(-1 * time.Hour) }
	require.NoError(t, c.UpdateOperatorMessageTimestamp(ctx, identity, channel))
	c.now = func() time.Time { return base }

	signal, err := c.CheckConversationTimeout(ctx, identity, channel)
	require.NoError(t, err)
	assert.Equal(t, models.TimeoutNone, signal)
}

func TestCoordinator_TimeoutIgnoredUnlessHumanOwned(t *testing.T) {
	c, _, _ := setupTestCoordinator(t)
	ctx := context.Background()

	identity, channel := "+573001234567", "whatsapp_direct"

	base := time.Now()
	c.now = func() time.Time { return base.Add(-100 * time.Hour) }
	require.NoError(t, c.UpdateClientMessageTimestamp(ctx, identity, channel))
	c.now = func() time.Time { return base }

	// Session is BOT_ACTIVE: no signal regardless of elapsed time.
	signal, err := c.CheckConversationTimeout(ctx, identity, channel)
	require.NoError(t, err)
	assert.Equal(t, models.TimeoutNone, signal)
}

func TestCoordinator_CloseConversationDeletesEverything(t *testing.T) {
	c, store, _ := setupTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.ActivateHuman(ctx, "+573001234567", "whatsapp_direct", "owner-1", ""))
	require.NoError(t, c.CloseConversation(ctx, "+573001234567", "whatsapp_direct"))

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBotActive, status)

	meta, err := store.GetMeta(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestCoordinator_ClientMessageIncrementsCount(t *testing.T) {
	c, store, _ := setupTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.UpdateClientMessageTimestamp(ctx, "+573001234567", "whatsapp_direct"))
	require.NoError(t, c.UpdateClientMessageTimestamp(ctx, "+573001234567", "whatsapp_direct"))

	meta, err := store.GetMeta(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.MessageCount)
	assert.NotNil(t, meta.LastClientMessageAt)
}
