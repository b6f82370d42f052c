package client

import (
	"testing"
	"time"

	"event_delivery/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		ClientPollInterval: 3 * time.Second,
		WatchdogInterval:   7 * time.Second,
		StalenessWindow:    45 * time.Second,
		MinModeDwell:       90 * time.Second,
		RecoveryStreak:     4,
	}

	opts := OptionsFromConfig(cfg, "S1")

	assert.Equal(t, "S1", opts.SessionID)
	assert.Equal(t, 3*time.Second, opts.PollInterval)
	assert.Equal(t, 7*time.Second, opts.WatchdogInterval)
	assert.Equal(t, 45*time.Second, opts.StalenessWindow)
	assert.Equal(t, 90*time.Second, opts.MinModeDwell)
	assert.Equal(t, 4, opts.RecoveryStreak)
	assert.False(t, opts.PushSupported, "push opt-in belongs to the caller")
}
