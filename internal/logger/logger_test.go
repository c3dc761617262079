package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestInitializeFallsBackToInfoOnBadLevel(t *testing.T) {
	Initialize("gatekeeper", "not-a-real-level", false)
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestComponentTagsSubLogger(t *testing.T) {
	var buf bytes.Buffer
	Log = zerolog.New(&buf).With().Str("role", "worker").Logger()

	Component("allowlist").Info().Msg("reloaded")

	require.Contains(t, buf.String(), `"component":"allowlist"`)
	require.Contains(t, buf.String(), `"role":"worker"`)
}
