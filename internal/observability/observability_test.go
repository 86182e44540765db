package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromEnv(t *testing.T) {
	for env, want := range map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"verbose": zerolog.InfoLevel,
	} {
		t.Setenv("PERP_LOG_LEVEL", env)
		assert.Equal(t, want, LevelFromEnv(), "PERP_LOG_LEVEL=%q", env)
	}
}

func TestNewLoggerTo_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "core", zerolog.InfoLevel)
	log.Debug().Msg("hidden")
	log.Info().Int64("seq", 7).Msg("call committed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "core", line["component"])
	assert.Equal(t, "call committed", line["message"])
	assert.EqualValues(t, 7, line["seq"])
}

func TestHealthChecker_Check(t *testing.T) {
	h := NewHealthChecker()
	assert.Empty(t, h.Check(context.Background()))

	h.AddCheck("nats", func(context.Context) error { return errors.New("nats: RECONNECTING") })
	h.AddCheck("postgres", func(context.Context) error { return nil })
	assert.Equal(t, map[string]string{"nats": "nats: RECONNECTING"}, h.Check(context.Background()))

	h.AddCheck("nats", func(context.Context) error { return nil })
	assert.Empty(t, h.Check(context.Background()))
}
