package logger_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adamwoolhether/aggregator/foundation/logger"
)

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")

	log, err := logger.New("AGGREGATOR-TEST", path)
	require.NoError(t, err)

	log.Infow("startup", "status", "ok")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(raw, &entry))
	require.Equal(t, "AGGREGATOR-TEST", entry["service"])
	require.Equal(t, "startup", entry["msg"])
	require.Equal(t, "ok", entry["status"])
	require.Equal(t, "info", entry["level"])
}
