package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/aggregate"
	"conversation-coordinator/pkg/appointment"
	"conversation-coordinator/pkg/assign"
	"conversation-coordinator/pkg/config"
	"conversation-coordinator/pkg/handlers"
	"conversation-coordinator/pkg/identity"
	"conversation-coordinator/pkg/metrics"
	"conversation-coordinator/pkg/models"
	"conversation-coordinator/pkg/pipeline"
	"conversation-coordinator/pkg/scheduler"
	"conversation-coordinator/pkg/server"
	"conversation-coordinator/pkg/state"
	"conversation-coordinator/pkg/store"
	"conversation-coordinator/pkg/worker"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithField("pod_id", cfg.PodID).Info("Starting conversation coordinator")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	storeConfig := store.DefaultConnectionConfig()
	storeConfig.URL = cfg.RedisURL

	client, err := store.NewClient(storeConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to coordination store")
	}
	defer client.Close()
	rdb := client.Redis()

	stateStore := state.NewStore(rdb, cfg.SessionTTL(), logger, m)
	coordinator := state.NewCoordinator(stateStore, logger, m)
	coordinator.SetTimeoutWindows(cfg.HumanActiveTTL(), cfg.ClientTimeout(), cfg.AdvisorTimeout())

	normalizer := identity.NewNormalizer(cfg.DefaultCountryCode)

	routing, err := assign.ParseRouting(cfg.RoutingConfigJSON)
	if err != nil {
		logger.WithError(err).Warn("Invalid routing config override, using defaults")
	}
	assigner := assign.NewAssigner(rdb, routing, logger, m)
	orphans := assign.NewOrphanLog(rdb, logger, m)

	aggregator := aggregate.NewAggregator(rdb, cfg.AggregationWindow(), logger, m)
	appointments := appointment.NewStore(rdb, logger, m)

	hours, err := pipeline.NewBusinessHours(cfg.BusinessTimezone, cfg.BusinessOpenHour, cfg.BusinessCloseHour)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize business hours")
	}

	responder := &pipeline.LogResponder{Logger: logger}
	alerter := &pipeline.LogAlerter{Logger: logger}

	p := pipeline.New(pipeline.Deps{
		Normalizer:  normalizer,
		Coordinator: coordinator,
		Assigner:    assigner,
		Orphans:     orphans,
		Aggregator:  aggregator,
		Hours:       hours,
		Assistant:   &pipeline.LogAssistant{Logger: logger},
		CRM:         &pipeline.LogCRM{Logger: logger},
		Alerter:     alerter,
		Responder:   responder,
		Logger:      logger,
		Metrics:     m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := scheduler.NewLeader(rdb, cfg, logger, m)
	if err := leader.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start leader election")
	}

	sweeper := scheduler.NewSweeper(coordinator, stateStore, appointments, leader, cfg, logger, m)
	sweeper.OnReclaim(func(ctx context.Context, identity, channel string, signal models.TimeoutSignal) {
		text := "Retomamos tu conversacion, cuentanos en que te podemos ayudar."
		if signal == models.ClientTimeout {
			text = "Cerramos la conversacion por inactividad. Escribenos cuando quieras."
		}
		if err := responder.Send(ctx, identity, channel, text); err != nil {
			logger.WithError(err).Warn("Failed to notify reclaimed session")
		}
	})
	sweeper.OnReminder(func(ctx context.Context, appt models.Appointment) error {
		return responder.Send(ctx, appt.Identity, appt.Channel,
			fmt.Sprintf("Te recordamos tu visita de manana a las %s.", appt.ScheduledAt.Format("15:04")))
	})
	sweeper.OnFollowup(func(ctx context.Context, appt models.Appointment) error {
		return responder.Send(ctx, appt.Identity, appt.Channel,
			"Gracias por tu visita de ayer. Te gustaria avanzar o agendar otra?")
	})
	if err := sweeper.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sweeper")
	}

	producer := worker.NewDrainProducer(rdb, aggregator, leader, cfg, logger, m)
	if err := producer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start drain producer")
	}

	consumer := worker.NewDrainConsumer(rdb, aggregator, p.DrainProcessFunc(), cfg, logger, m)
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start drain consumer")
	}

	h := handlers.New(p, coordinator, appointments, orphans, normalizer, client, leader, cfg, logger)
	srv := server.New(h.Router(), cfg, logger)
	srv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during HTTP shutdown")
	}
	consumer.Stop()
	sweeper.Stop()
	leader.Stop()
	cancel()

	logger.Info("Conversation coordinator shutdown complete")
}
