package memory

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/airdrop-runtime/logger"
)

type fakeWatched struct {
	rss    []int64
	idx    int
	done   chan struct{}
	status syscall.WaitStatus
}

func (f *fakeWatched) RSSBytes() (int64, bool) {
	if f.idx >= len(f.rss) {
		return f.rss[len(f.rss)-1], true
	}
	v := f.rss[f.idx]
	f.idx++
	return v, true
}

func (f *fakeWatched) Done() <-chan struct{}         { return f.done }
func (f *fakeWatched) WaitStatus() syscall.WaitStatus { return f.status }

// makeSignaledStatus builds a WaitStatus as if the kernel reported the
// process terminated by sig, without actually spawning and killing one.
func makeSignaledStatus(sig syscall.Signal) syscall.WaitStatus {
	return syscall.WaitStatus(sig)
}

func TestMonitorLatchesOnApproachingCeiling(t *testing.T) {
	w := &fakeWatched{
		rss:  []int64{100, 500, 950, 980},
		done: make(chan struct{}),
	}
	m := NewMonitor(logger.Discard, 1000, WithPollInterval(5*time.Millisecond))

	go m.Run(w)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.latched
	}, time.Second, 5*time.Millisecond)

	close(w.done)
}

func TestMonitorNeverLatchesBelowThreshold(t *testing.T) {
	w := &fakeWatched{
		rss:  []int64{100, 200, 300},
		done: make(chan struct{}),
	}
	m := NewMonitor(logger.Discard, 1000, WithPollInterval(5*time.Millisecond))

	go m.Run(w)
	time.Sleep(50 * time.Millisecond)
	close(w.done)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.False(t, m.latched)
}

func TestClassifyReportsOOMWhenLatchedAndSigkilled(t *testing.T) {
	m := NewMonitor(logger.Discard, 1000)
	m.mu.Lock()
	m.procReadOK = true
	m.latched = true
	m.mu.Unlock()

	status := makeSignaledStatus(syscall.SIGKILL)
	result := m.Classify(status)
	assert.True(t, result.IsOOM)
}

func TestClassifyIgnoresSigkillWithoutLatch(t *testing.T) {
	m := NewMonitor(logger.Discard, 1000)
	m.mu.Lock()
	m.procReadOK = true
	m.mu.Unlock()

	status := makeSignaledStatus(syscall.SIGKILL)
	result := m.Classify(status)
	assert.False(t, result.IsOOM)
}

func TestClassifyFallsBackToStderrSentinel(t *testing.T) {
	m := NewMonitor(logger.Discard, 1000)
	m.stderrTail.Write([]byte("panic: fatal error: runtime: out of memory\n"))

	status := makeSignaledStatus(syscall.SIGKILL)
	result := m.Classify(status)
	assert.True(t, result.IsOOM)
	assert.Contains(t, result.Reason, "sentinel")
}

func TestClassifyNonSignalExitIsNeverOOM(t *testing.T) {
	m := NewMonitor(logger.Discard, 1000)
	var status syscall.WaitStatus
	result := m.Classify(status)
	assert.False(t, result.IsOOM)
}

func TestTailWriterKeepsOnlyLastN(t *testing.T) {
	tw := NewTailWriter(5)
	tw.Write([]byte("hello world"))
	assert.Equal(t, "world", tw.String())
}
