package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogMonitor_FiresOnBanner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider.log")
	f, err := openProviderLog(path)
	require.NoError(t, err)
	defer f.Close()

	mon, err := newLogMonitor(path, "server is listening")
	require.NoError(t, err)
	defer mon.close()

	_, err = f.WriteString("booting up\n")
	require.NoError(t, err)

	select {
	case <-mon.ready:
		t.Fatal("ready fired before banner was written")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = f.WriteString("server is listening on :8080\n")
	require.NoError(t, err)

	select {
	case <-mon.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("ready never fired after banner was written")
	}
}

func TestOpenProviderLog_EmptyPathReturnsNil(t *testing.T) {
	f, err := openProviderLog("")
	require.NoError(t, err)
	require.Nil(t, f)
}

func TestOpenProviderLog_TruncatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider.log")
	require.NoError(t, os.WriteFile(path, []byte("stale content"), 0o644))

	f, err := openProviderLog(path)
	require.NoError(t, err)
	defer f.Close()

	info, err := f.Stat()
	require.NoError(t, err)
	require.Zero(t, info.Size())
}
