package uplink

import (
	"time"

	"github.com/nerrad567/gray-logic-uplink/internal/connection"
	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-uplink/internal/publisher"
)

// Control message defaults.
const (
	defaultControlQoS      = 1
	defaultControlPriority = 0
)

// RateLimit configures the publish rate limiter.
type RateLimit struct {
	Enabled      bool
	Capacity     int
	RefillPeriod time.Duration
}

// Settings is the runtime-adjustable configuration of a Service.
type Settings struct {
	Connection connection.Config
	Publisher  publisher.Config
	RateLimit  RateLimit

	// Capacity is the maximum number of queued plus in-flight messages.
	Capacity int

	// PurgeAge expires queued messages that waited this long. Zero disables.
	PurgeAge time.Duration

	// CompletedRetention keeps confirmed and dropped messages this long.
	// Zero disables the purge.
	CompletedRetention time.Duration

	// HousekeeperInterval is the purge period. Zero disables housekeeping.
	HousekeeperInterval time.Duration

	// StatsInterval is the metrics sampling period. Zero disables sampling.
	StatsInterval time.Duration

	// ControlQoS and ControlPriority apply to PublishControl messages.
	ControlQoS      byte
	ControlPriority int

	// ListenControlResponses subscribes to every control response topic.
	ListenControlResponses bool
}

// SettingsFromConfig maps the loaded configuration onto Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Connection: connection.Config{
			AutoConnect:         cfg.Connection.AutoConnect,
			MinBackoff:          cfg.GetMinBackoff(),
			MaxBackoff:          cfg.GetMaxBackoff(),
			ConnectTimeout:      cfg.GetConnectTimeout(),
			DisconnectQuiesce:   cfg.GetDisconnectQuiesce(),
			DisconnectingWindow: cfg.GetDisconnectingWindow(),
		},
		Publisher: publisher.Config{
			MaxInFlight:       cfg.Publisher.MaxInFlight,
			CongestionTimeout: cfg.GetCongestionTimeout(),
			RetryInterval:     cfg.GetRetryInterval(),
			RepublishInFlight: cfg.Publisher.RepublishInFlight,
		},
		RateLimit: RateLimit{
			Enabled:      cfg.Publisher.RateLimit.Enabled,
			Capacity:     cfg.Publisher.RateLimit.Capacity,
			RefillPeriod: cfg.GetRefillPeriod(),
		},
		Capacity:               cfg.Store.Capacity,
		PurgeAge:               cfg.GetPurgeAge(),
		CompletedRetention:     cfg.GetCompletedRetention(),
		HousekeeperInterval:    cfg.GetHousekeeperInterval(),
		StatsInterval:          cfg.GetStatsInterval(),
		ControlQoS:             defaultControlQoS,
		ControlPriority:        defaultControlPriority,
		ListenControlResponses: true,
	}
}

// rateLimit returns the bucket parameters; a zero period disables limiting.
func (s Settings) rateLimit() (int, time.Duration) {
	if !s.RateLimit.Enabled {
		return 1, 0
	}
	return s.RateLimit.Capacity, s.RateLimit.RefillPeriod
}

func (s Settings) housekeepPolicy() publisher.HousekeepPolicy {
	return publisher.HousekeepPolicy{
		PurgeAge:           s.PurgeAge,
		CompletedRetention: s.CompletedRetention,
		Capacity:           s.Capacity,
	}
}
