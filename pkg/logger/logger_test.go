package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestNew_DebugLevelStringMapsToDebugLevel(t *testing.T) {
	New(Config{Level: "debug"})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestNew_UnrecognizedLevelStringDefaultsToInfo(t *testing.T) {
	New(Config{Level: "nonsense"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestNew_InfoLevelReturnsLogger(t *testing.T) {
	l := New(Config{Level: "info"})
	assert.NotNil(t, l)
}

func TestSetGlobalLogger_ReplacesZerologGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	custom := zerolog.New(&buf)
	SetGlobalLogger(custom)

	log.Info().Msg("via global logger")
	assert.Contains(t, buf.String(), "via global logger")
}
