package broker

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestParseEntry(t *testing.T) {
	e := parseEntry(redis.XMessage{
		ID: "1700000000000-3",
		Values: map[string]interface{}{
			"event_id":   "E1",
			"session_id": "S1",
			"seq":        "42",
			"payload":    `{"type":"provider_run"}`,
		},
	})

	assert.Equal(t, "1700000000000-3", e.ID)
	assert.Equal(t, "E1", e.EventID)
	assert.Equal(t, "S1", e.SessionID)
	assert.Equal(t, int64(42), e.Seq)
	assert.Equal(t, []byte(`{"type":"provider_run"}`), e.Payload)
}

func TestParseEntryMissingFields(t *testing.T) {
	e := parseEntry(redis.XMessage{ID: "0-1", Values: map[string]interface{}{}})

	assert.Equal(t, "0-1", e.ID)
	assert.Empty(t, e.EventID)
	assert.Zero(t, e.Seq)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsNoGroup(errors.New("NOGROUP No such consumer group 'g' for key 'events:global'")))
	assert.False(t, IsNoGroup(errors.New("LOADING Redis is loading the dataset")))
	assert.False(t, IsNoGroup(nil))

	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(nil))
}
