package client

import "event_delivery/internal/config"

// OptionsFromConfig maps the shared tuning knobs onto transport options.
// Session identity, callbacks and PushSupported stay with the caller.
func OptionsFromConfig(cfg *config.Config, sessionID string) Options {
	return Options{
		SessionID:        sessionID,
		PollInterval:     cfg.ClientPollInterval,
		WatchdogInterval: cfg.WatchdogInterval,
		StalenessWindow:  cfg.StalenessWindow,
		MinModeDwell:     cfg.MinModeDwell,
		RecoveryStreak:   cfg.RecoveryStreak,
	}
}
