package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-coordinator/pkg/metrics"
	"conversation-coordinator/pkg/models"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	return NewStore(rdb, 7*24*time.Hour, logger, m), mr
}

func TestStore_GetStatusNeverSeenIsBotActiveWithoutWrite(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBotActive, status)

	// A pure read must not create keys.
	assert.Empty(t, mr.Keys())
}

func TestStore_SetStatusRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	err := store.SetStatus(ctx, "+573001234567", "whatsapp_direct", models.StatusHumanActive, 72*time.Hour)
	require.NoError(t, err)

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHumanActive, status)
}

func TestStore_StatusExpiresToBotActive(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	err := store.SetStatus(ctx, "+573001234567", "whatsapp_direct", models.StatusHumanActive, 72*time.Hour)
	require.NoError(t, err)

	mr.FastForward(73 * time.Hour)

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBotActive, status)
}

func TestStore_LegacyKeyFallbackOnRead(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	// Record written before channel segregation.
	mr.Set("conv_state:+573001234567", string(models.StatusPendingHandoff))

	status, err := store.GetStatus(ctx, "+573001234567", "instagram")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingHandoff, status)
}

func TestStore_WritesNeverRecreateLegacyKey(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	err := store.SetStatus(ctx, "+573001234567", "instagram", models.StatusHumanActive, 0)
	require.NoError(t, err)

	assert.True(t, mr.Exists("conv_state:+573001234567:instagram"))
	assert.False(t, mr.Exists("conv_state:+573001234567"))
}

func TestStore_ChannelsDoNotCollide(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "+573001234567", "whatsapp_direct", models.StatusHumanActive, 0))
	require.NoError(t, store.SetStatus(ctx, "+573001234567", "instagram", models.StatusPendingHandoff, 0))

	wa, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	ig, err := store.GetStatus(ctx, "+573001234567", "instagram")
	require.NoError(t, err)

	assert.Equal(t, models.StatusHumanActive, wa)
	assert.Equal(t, models.StatusPendingHandoff, ig)
}

func TestStore_InvalidStoredStatusDefaults(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	mr.Set("conv_state:+573001234567:whatsapp_direct", "GARBAGE")

	status, err := store.GetStatus(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBotActive, status)
}

func TestStore_MetaRoundTripAndMigration(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	meta := &models.ConversationMeta{
		Identity:            "+573001234567",
		Channel:             "whatsapp_direct",
		Status:              models.StatusHumanActive,
		AssignedOwnerID:     "owner-1",
		MessageCount:        3,
		CreatedAt:           now,
		LastActivity:        now,
		LastClientMessageAt: &now,
	}

	require.NoError(t, store.SetMeta(ctx, "+573001234567", "whatsapp_direct", meta, 0))

	got, err := store.GetMeta(ctx, "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "owner-1", got.AssignedOwnerID)
	assert.Equal(t, 3, got.MessageCount)
	require.NotNil(t, got.LastClientMessageAt)
	assert.True(t, got.LastClientMessageAt.Equal(now))

	// Older record shape: no channel, no status. Read must default both.
	mr.Set("conv_meta:+573009999999", `{"identity":"+573009999999","message_count":1}`)

	legacy, err := store.GetMeta(ctx, "+573009999999", "facebook")
	require.NoError(t, err)
	require.NotNil(t, legacy)
	assert.Equal(t, models.StatusBotActive, legacy.Status)
	assert.Equal(t, "facebook", legacy.Channel)
}

func TestStore_GetMetaAbsentIsNil(t *testing.T) {
	store, _ := setupTestStore(t)

	meta, err := store.GetMeta(context.Background(), "+573001234567", "whatsapp_direct")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestStore_DeleteEvictsQualifiedAndLegacy(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "+573001234567", "instagram", models.StatusHumanActive, 0))
	mr.Set("conv_state:+573001234567", string(models.StatusHumanActive))
	mr.Set("conv_meta:+573001234567", `{"identity":"+573001234567"}`)
	require.NoError(t, store.IndexHumanActive(ctx, "+573001234567", "instagram", time.Now()))

	require.NoError(t, store.Delete(ctx, "+573001234567", "instagram"))

	assert.False(t, mr.Exists("conv_state:+573001234567:instagram"))
	assert.False(t, mr.Exists("conv_state:+573001234567"))
	assert.False(t, mr.Exists("conv_meta:+573001234567"))

	ids, err := store.HumanActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_GetStatusPropagatesStoreFailure(t *testing.T) {
	store, mr := setupTestStore(t)
	mr.Close()

	_, err := store.GetStatus(context.Background(), "+573001234567", "whatsapp_direct")
	assert.Error(t, err)
}
