package supervisor

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// logMonitor tails a provider's combined stdout/stderr log file and
// signals ready once a configured banner substring appears. Some
// backends (LM Studio, llama.cpp-server) print that they're listening
// well before their health endpoint starts answering, so this lets
// EnsureUp short-circuit its polling loop instead of waiting out the
// next probe tick.
type logMonitor struct {
	watcher *fsnotify.Watcher
	file    *os.File
	banner  string
	ready   chan struct{}
	once    sync.Once
}

// newLogMonitor opens path (creating it if necessary) and starts
// watching it for writes. The returned monitor's ready channel closes
// the first time banner is seen in newly written content; callers must
// call close() when done, whether or not ready ever fires.
func newLogMonitor(path, banner string) (*logMonitor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		f.Close()
		return nil, err
	}

	m := &logMonitor{watcher: watcher, file: f, banner: banner, ready: make(chan struct{})}
	go m.run()
	return m, nil
}

func (m *logMonitor) run() {
	buf := make([]byte, 4096)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			for {
				n, err := m.file.Read(buf)
				if n > 0 && strings.Contains(string(buf[:n]), m.banner) {
					m.signalReady()
				}
				if err != nil {
					break
				}
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *logMonitor) signalReady() {
	m.once.Do(func() { close(m.ready) })
}

func (m *logMonitor) close() {
	m.watcher.Close()
	m.file.Close()
}

// openProviderLog opens cmd's stdout/stderr destination for a provider
// launch. Returns nil if no LogFile is configured.
func openProviderLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}
