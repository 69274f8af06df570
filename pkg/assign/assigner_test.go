package assign

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

func testRouting() Routing {
	return Routing{
		Teams: map[string][]Owner{
			"team_pair": {
				{Name: "A", ID: "owner-a", Active: true},
				{Name: "B", ID: "owner-b", Active: true},
			},
			"team_solo": {
				{Name: "Solo", ID: "owner-solo", Active: true},
			},
			"team_empty": {
				{Name: "Gone", ID: "owner-gone", Active: false},
			},
			DefaultTeam: {
				{Name: "A", ID: "owner-a", Active: true},
				{Name: "B", ID: "owner-b", Active: true},
				{Name: "C", ID: "owner-c", Active: true},
			},
		},
		ChannelTeams: map[string]string{
			"whatsapp_direct": "team_pair",
			"instagram":       "team_solo",
			"facebook":        "team_empty",
			"finca_raiz":      "team_pair",
			"google_ads":      DefaultTeam,
		},
	}
}

func setupTestAssigner(t *testing.T) (*Assigner, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	return NewAssigner(rdb, testRouting(), logger, m), mr
}

func TestAssigner_TwoOwnersAlternate(t *testing.T) {
	a, _ := setupTestAssigner(t)
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		owner, err := a.GetNextOwner(ctx, "whatsapp_direct")
		require.NoError(t, err)
		got = append(got, owner)
	}

	assert.Equal(t, []string{"owner-a", "owner-b", "owner-a", "owner-b"}, got)
}

func TestAssigner_EachOwnerOncePerCycle(t *testing.T) {
	a, _ := setupTestAssigner(t)
	ctx := context.Background()

	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		owner, err := a.GetNextOwner(ctx, "google_ads")
		require.NoError(t, err)
		seen[owner]++
	}

	assert.Equal(t, map[string]int{"owner-a": 1, "owner-b": 1, "owner-c": 1}, seen)
}

func TestAssigner_SingleOwnerSkipsCounter(t *testing.T) {
	a, mr := setupTestAssigner(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		owner, err := a.GetNextOwner(ctx, "instagram")
		require.NoError(t, err)
		assert.Equal(t, "owner-solo", owner)
	}

	// The rotation counter is neither read nor written.
	assert.False(t, mr.Exists("lead_assigner:index:team_solo"))
}

func TestAssigner_CounterSurvivesRestart(t *testing.T) {
	a, mr := setupTestAssigner(t)
	ctx := context.Background()

	_, err := a.GetNextOwner(ctx, "whatsapp_direct")
	require.NoError(t, err)

	// A fresh assigner over the same store continues the rotation.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	fresh := NewAssigner(rdb, testRouting(), a.logger, a.metrics)

	owner, err := fresh.GetNextOwner(ctx, "whatsapp_direct")
	require.NoError(t, err)
	assert.Equal(t, "owner-b", owner)
}

func TestAssigner_NoActiveOwnersIsExplicit(t *testing.T) {
	a, _ := setupTestAssigner(t)

	owner, err := a.GetNextOwner(context.Background(), "facebook")
	assert.Empty(t, owner)
	assert.ErrorIs(t, err, ErrNoActiveOwners)
}

func TestAssigner_UnmappedChannelFallsBackToDefaultTeam(t *testing.T) {
	a, _ := setupTestAssigner(t)

	assert.Equal(t, DefaultTeam, a.TeamFor("carrier_pigeon"))
}

func TestAssigner_DetectChannelOrigin(t *testing.T) {
	a, _ := setupTestAssigner(t)

	tests := []struct {
		name     string
		metadata map[string]string
		hint     string
		want     string
	}{
		{"explicit hint", nil, "instagram", "instagram"},
		{"hint normalized", nil, " Finca Raiz ", "finca_raiz"},
		{"metadata channel", map[string]string{"channel": "facebook"}, "", "facebook"},
		{"referrer fincaraiz", map[string]string{"referrer": "https://www.fincaraiz.com.co/apto"}, "", "finca_raiz"},
		{"referrer facebook", map[string]string{"referrer": "http://fb.com/page"}, "", "facebook"},
		{"referrer google", map[string]string{"referrer": "https://google.com/aclk"}, "", "google_ads"},
		{"default", nil, "", "whatsapp_direct"},
		{"unknown hint ignored", map[string]string{"referrer": "instagram.com/dm"}, "smoke_signal", "instagram"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.DetectChannelOrigin(tt.metadata, tt.hint))
		})
	}
}

func TestOrphanLog_RecordAndPending(t *testing.T) {
	a, _ := setupTestAssigner(t)
	ctx := context.Background()

	log := NewOrphanLog(a.rdb, a.logger, a.metrics)

	log.Record(ctx, models.OrphanLead{
		Identity:  "+573001234567",
		Channel:   "facebook",
		Reason:    "no active owners for team",
		Timestamp: time.Now(),
	})

	leads, err := log.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "+573001234567", leads[0].Identity)
	assert.Equal(t, "facebook", leads[0].Channel)

	// The alert list stays capped.
	for i := 0; i < 150; i++ {
		log.Record(ctx, models.OrphanLead{Identity: "+573009999999", Channel: "facebook", Reason: "x"})
	}
	count, err := a.rdb.LLen(ctx, "lead_assigner:orphan_alerts").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, count, int64(100))
}
