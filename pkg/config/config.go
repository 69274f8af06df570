package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	RedisURL string
	Port     string
	PodID    string
	LogLevel string

	// Session lifetimes, hours.
	SessionTTLHours     int
	HumanActiveHours    int
	ClientTimeoutHours  int
	AdvisorTimeoutHours int

	// Message aggregation window, seconds.
	AggregationWindowSec int

	// Background coordination.
	LeaderElectionTTLSec int
	ReclaimSweepSec      int
	AppointmentSweepSec  int
	DrainPollSec         int
	ConsumerGroupName    string

	// Identity and routing.
	DefaultCountryCode string
	DefaultChannel     string
	RoutingConfigJSON  string

	// Business hours (local time in BusinessTimezone).
	BusinessTimezone  string
	BusinessOpenHour  int
	BusinessCloseHour int
}

func Load() *Config {
	return &Config{
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
		Port:     getEnv("PORT", "8080"),
		PodID:    getEnv("POD_ID", generatePodID()),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SessionTTLHours:     getEnvInt("SESSION_TTL_HOURS", 168),
		HumanActiveHours:    getEnvInt("HUMAN_ACTIVE_TTL_HOURS", 72),
		ClientTimeoutHours:  getEnvInt("CLIENT_TIMEOUT_HOURS", 24),
		AdvisorTimeoutHours: getEnvInt("ADVISOR_TIMEOUT_HOURS", 72),

		AggregationWindowSec: getEnvInt("MESSAGE_AGGREGATION_TIMEOUT", 30),

		LeaderElectionTTLSec: getEnvInt("LEADER_ELECTION_TTL", 10),
		ReclaimSweepSec:      getEnvInt("RECLAIM_SWEEP_INTERVAL_SECONDS", 60),
		AppointmentSweepSec:  getEnvInt("APPOINTMENT_SWEEP_INTERVAL_SECONDS", 3600),
		DrainPollSec:         getEnvInt("DRAIN_POLL_INTERVAL_SECONDS", 1),
		ConsumerGroupName:    getEnv("CONSUMER_GROUP_NAME", "drain-workers"),

		DefaultCountryCode: getEnv("DEFAULT_COUNTRY_CODE", "57"),
		DefaultChannel:     getEnv("DEFAULT_CHANNEL", "whatsapp_direct"),
		RoutingConfigJSON:  getEnv("ROUTING_CONFIG_JSON", ""),

		BusinessTimezone:  getEnv("BUSINESS_TIMEZONE", "America/Bogota"),
		BusinessOpenHour:  getEnvInt("BUSINESS_OPEN_HOUR", 8),
		BusinessCloseHour: getEnvInt("BUSINESS_CLOSE_HOUR", 17),
	}
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) HumanActiveTTL() time.Duration {
	return time.Duration(c.HumanActiveHours) * time.Hour
}

func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutHours) * time.Hour
}

func (c *Config) AdvisorTimeout() time.Duration {
	return time.Duration(c.AdvisorTimeoutHours) * time.Hour
}

func (c *Config) AggregationWindow() time.Duration {
	return time.Duration(c.AggregationWindowSec) * time.Second
}

func (c *Config) LeaderElectionTTL() time.Duration {
	return time.Duration(c.LeaderElectionTTLSec) * time.Second
}

func (c *Config) ReclaimSweepInterval() time.Duration {
	return time.Duration(c.ReclaimSweepSec) * time.Second
}

func (c *Config) AppointmentSweepInterval() time.Duration {
	return time.Duration(c.AppointmentSweepSec) * time.Second
}

func (c *Config) DrainPollInterval() time.Duration {
	return time.Duration(c.DrainPollSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
