package gatewaylog

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewaytypes"
)

func newLoggerForTest(t *testing.T, cfg config.LoggingConfig) *RequestLogger {
	t.Helper()
	if cfg.LogDir == "" {
		cfg.LogDir = t.TempDir()
	}
	l, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func doneJob(model, providerID string) *gatewaytypes.Job {
	j := gatewaytypes.NewJob("req-1", model, gatewaytypes.ChatCompletionRequest{Model: model})
	j.ProviderID = providerID
	j.Status = gatewaytypes.StatusDone
	j.JobID = "job-1"
	return j
}

func TestLogJob_AppearsInRecent(t *testing.T) {
	l := newLoggerForTest(t, config.LoggingConfig{})
	l.LogJob(doneJob("model-a", "provider-1"))

	recent := l.Recent(10)
	require.Len(t, recent, 1)
	require.Equal(t, "model-a", recent[0].Model)
	require.Equal(t, "done", recent[0].Status)
}

func TestLogJob_WritesJSONLinesFile(t *testing.T) {
	dir := t.TempDir()
	l := newLoggerForTest(t, config.LoggingConfig{LogDir: dir})
	l.LogJob(doneJob("model-a", "provider-1"))
	l.LogJob(doneJob("model-b", "provider-1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, 2, lines)
}

func TestRecent_RingBufferWrapsAtCapacity(t *testing.T) {
	l := newLoggerForTest(t, config.LoggingConfig{KeepLastNInMemory: 2})
	l.LogJob(doneJob("model-1", "p"))
	l.LogJob(doneJob("model-2", "p"))
	l.LogJob(doneJob("model-3", "p"))

	recent := l.Recent(10)
	require.Len(t, recent, 2)
	require.Equal(t, "model-2", recent[0].Model)
	require.Equal(t, "model-3", recent[1].Model)
}

func TestRecent_RespectsLimit(t *testing.T) {
	l := newLoggerForTest(t, config.LoggingConfig{})
	for i := 0; i < 5; i++ {
		l.LogJob(doneJob("model-a", "p"))
	}
	require.Len(t, l.Recent(2), 2)
	require.Len(t, l.Recent(0), 5)
}
