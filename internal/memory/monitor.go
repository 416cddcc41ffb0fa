// Package memory enforces a worker's heap ceiling from both ends: the
// parent side polls RSS to detect an approaching limit before the kernel
// acts, and the child side applies its own RLIMIT_AS and GC soft limit at
// startup. See MonitorProcess and ApplyWorkerLimit respectively.
package memory

import (
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/buildkite/shellwords"

	"github.com/devrev/airdrop-runtime/logger"
)

// watched is the minimal surface MonitorProcess needs from a running
// process.Process, kept narrow so fakes can stand in for tests.
type watched interface {
	RSSBytes() (int64, bool)
	Done() <-chan struct{}
	WaitStatus() syscall.WaitStatus
}

// stderrSentinels are matched against a worker's captured stderr tail when
// /proc is unavailable (non-Linux) and RSS polling can't latch the
// approaching-ceiling flag itself.
var stderrSentinels = []string{
	"fatal error: runtime: out of memory",
	"cannot allocate memory",
	"signal: killed",
}

// Monitor polls a worker's RSS against its configured ceiling for the
// lifetime of a run, latching an "approaching" flag the supervisor
// consults when deciding whether a SIGKILL exit was an OOM.
type Monitor struct {
	limitBytes    int64
	warnThreshold float64
	pollInterval  time.Duration
	logger        logger.Logger

	mu          sync.Mutex
	latched     bool
	procReadOK  bool
	lastRSS     int64
	stderrTail  *TailWriter
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval overrides the default 1s RSS sampling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.pollInterval = d }
}

// WithWarnThreshold overrides the default 0.9 (90% of limitBytes) fraction
// at which the latch fires.
func WithWarnThreshold(frac float64) Option {
	return func(m *Monitor) { m.warnThreshold = frac }
}

// NewMonitor builds a Monitor for a worker configured with limitBytes as
// its memory ceiling. limitBytes of 0 disables latching; Run still polls
// so RSS is available for diagnostics, but Classify never reports OOM on
// the RSS path.
func NewMonitor(l logger.Logger, limitBytes int64, opts ...Option) *Monitor {
	m := &Monitor{
		limitBytes:    limitBytes,
		warnThreshold: 0.9,
		pollInterval:  time.Second,
		logger:        l,
		stderrTail:    NewTailWriter(4096),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StderrTail returns a writer the supervisor should tee the worker's
// stderr into; its captured tail feeds the sentinel fallback path in
// Classify.
func (m *Monitor) StderrTail() *TailWriter {
	return m.stderrTail
}

// Run polls w's RSS at the configured interval until w exits, latching the
// approaching-ceiling flag the first time RSS crosses warnThreshold *
// limitBytes. It logs once, at the first successful /proc read, which
// detection path is active (mirrors the supervisor-start log line
// documented for the OOM sentinel table).
func (m *Monitor) Run(w watched) {
	if m.limitBytes <= 0 {
		<-w.Done()
		return
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	loggedPath := false
	threshold := int64(float64(m.limitBytes) * m.warnThreshold)

	for {
		select {
		case <-w.Done():
			return
		case <-ticker.C:
			rss, ok := w.RSSBytes()
			if !loggedPath {
				loggedPath = true
				if ok {
					m.logger.Info("[memory] detection path: /proc RSS polling (limit=%d bytes)", m.limitBytes)
				} else {
					m.logger.Info("[memory] detection path: stderr sentinel fallback (limit=%d bytes)", m.limitBytes)
				}
			}
			m.mu.Lock()
			if ok {
				m.procReadOK = true
				m.lastRSS = rss
				if rss >= threshold && !m.latched {
					m.latched = true
					m.logger.Warn("[memory] worker RSS %d approaching ceiling %d", rss, m.limitBytes)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Result classifies why a worker exited.
type Result struct {
	IsOOM  bool
	Reason string
}

// Classify inspects the latched RSS flag (or, absent /proc support, the
// captured stderr tail) against w's exit status and reports whether the
// exit should be surfaced to the connector as an OOMError.
func (m *Monitor) Classify(status syscall.WaitStatus) Result {
	if !status.Signaled() || status.Signal() != syscall.SIGKILL {
		return Result{}
	}

	m.mu.Lock()
	latched, procReadOK := m.latched, m.procReadOK
	m.mu.Unlock()

	if procReadOK {
		if latched {
			return Result{IsOOM: true, Reason: "worker RSS crossed ceiling before SIGKILL"}
		}
		return Result{}
	}

	tail := normalizeForSentinelMatch(m.stderrTail.String())
	for _, sentinel := range stderrSentinels {
		if strings.Contains(tail, sentinel) {
			return Result{IsOOM: true, Reason: "stderr sentinel: " + sentinel}
		}
	}
	return Result{}
}

// normalizeForSentinelMatch re-tokenizes each line of a worker's captured
// stderr (and, on Linux, its dmesg/cgroup OOM-killer lines would arrive
// the same way if a caller ever tees them into the same tail writer) with
// shellwords, then rejoins on single spaces. Kernel OOM-killer lines vary
// their internal whitespace and occasionally quote the process name
// (`Killed process 1234 (worker)` vs. tab-padded syslog variants); running
// each line through the same tokenizer the teacher uses for its own
// command-line parsing collapses that variance before the sentinel
// substrings are matched.
func normalizeForSentinelMatch(tail string) string {
	lines := strings.Split(tail, "\n")
	normalized := make([]string, 0, len(lines))
	for _, line := range lines {
		words, err := shellwords.Split(line)
		if err != nil || len(words) == 0 {
			normalized = append(normalized, line)
			continue
		}
		normalized = append(normalized, strings.Join(words, " "))
	}
	return strings.Join(normalized, "\n")
}
