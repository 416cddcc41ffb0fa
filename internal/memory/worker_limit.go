package memory

import (
	"os"
	"runtime/debug"
	"strconv"

	"github.com/devrev/airdrop-runtime/internal/process"
	"github.com/devrev/airdrop-runtime/logger"
)

// ApplyWorkerLimit reads process.MemoryLimitEnvVar, set by the supervisor
// when it spawned this process, and applies it two ways: a soft GC target
// via debug.SetMemoryLimit (so the runtime works harder to stay under the
// ceiling before ever touching the kernel) and a hard RLIMIT_AS (so a
// runaway allocation is killed rather than left to swap or OOM-kill
// something else on the host). It is a no-op when the env var is unset,
// which is the case outside of a supervised worker process.
func ApplyWorkerLimit(l logger.Logger) {
	raw := os.Getenv(process.MemoryLimitEnvVar)
	if raw == "" {
		return
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit <= 0 {
		l.Warn("[memory] ignoring malformed %s=%q", process.MemoryLimitEnvVar, raw)
		return
	}

	debug.SetMemoryLimit(limit)

	if err := setRLimitAS(limit); err != nil {
		l.Warn("[memory] could not set RLIMIT_AS to %d: %v", limit, err)
		return
	}
	l.Info("[memory] worker memory ceiling set to %d bytes", limit)
}
