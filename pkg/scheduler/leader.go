package scheduler

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/config"
	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
)

// Leader elects a single coordinator instance to run the background
// sweeps. The lease lives in the shared store under a TTL; renewal and
// resignation are compare-and-act scripts so one instance can never evict
// another's lease.
type Leader struct {
	rdb      *redis.Client
	config   *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	isLeader bool
	stopCh   chan struct{}
}

func NewLeader(rdb *redis.Client, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *Leader {
	return &Leader{
		rdb:     rdb,
		config:  cfg,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

func (l *Leader) Start(ctx context.Context) error {
	l.logger.Info("Starting leader election")
	go l.electionLoop(ctx)
	return nil
}

func (l *Leader) Stop() {
	close(l.stopCh)
	if l.isLeader {
		l.resign(context.Background())
	}
}

// IsLeader verifies leadership against the store, never trusting the
// cached flag alone.
func (l *Leader) IsLeader() bool {
	ctx := context.Background()
	currentLeader, err := l.rdb.Get(ctx, constants.LeaderElectionKey).Result()
	if err != nil {
		l.isLeader = false
		return false
	}

	actual := currentLeader == l.config.PodID
	if l.isLeader != actual {
		l.isLeader = actual
		if actual {
			l.logger.Info("Confirmed leadership from store")
		} else {
			l.logger.Info("Leadership lost")
		}
	}

	return l.isLeader
}

func (l *Leader) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tryAcquire(ctx)
		}
	}
}

func (l *Leader) tryAcquire(ctx context.Context) {
	start := time.Now()
	defer func() {
		l.metrics.LeaderElectionDuration.Observe(time.Since(start).Seconds())
	}()

	result := l.rdb.SetArgs(ctx, constants.LeaderElectionKey, l.config.PodID, redis.SetArgs{
		Mode: "NX",
		TTL:  l.config.LeaderElectionTTL(),
	})

	if result.Err() != nil {
		l.logger.WithError(result.Err()).Error("Failed to attempt leader election")
		return
	}

	if result.Val() == "OK" {
		if !l.isLeader {
			l.logger.Info("Became leader")
			l.metrics.LeaderChanges.Inc()
			l.isLeader = true
		}
		l.renew(ctx)
		return
	}

	if l.isLeader {
		currentLeader, err := l.rdb.Get(ctx, constants.LeaderElectionKey).Result()
		if err != nil || currentLeader != l.config.PodID {
			l.logger.Info("Lost leadership")
			l.isLeader = false
		}
	}
}

func (l *Leader) renew(ctx context.Context) {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("EXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`

	result := l.rdb.Eval(ctx, script, []string{constants.LeaderElectionKey}, l.config.PodID, l.config.LeaderElectionTTLSec)
	if result.Err() != nil {
		l.logger.WithError(result.Err()).Error("Failed to renew leadership")
		l.isLeader = false
		return
	}

	if result.Val().(int64) == 0 {
		l.logger.Warn("Leadership renewal failed, no longer leader")
		l.isLeader = false
	}
}

func (l *Leader) resign(ctx context.Context) {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`

	result := l.rdb.Eval(ctx, script, []string{constants.LeaderElectionKey}, l.config.PodID)
	if result.Err() != nil {
		l.logger.WithError(result.Err()).Error("Failed to resign leadership")
	} else {
		l.logger.Info("Resigned leadership")
	}
	l.isLeader = false
}
