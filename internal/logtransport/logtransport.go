// Package logtransport is the log transport (C9): newline-delimited JSON
// frames carried over the worker's stdin/stdout pipes to the supervisor,
// standing in for the teacher's in-process LogWriter (agent/job_runner.go)
// now that the worker is a separate OS process rather than a goroutine the
// parent can call directly.
package logtransport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/devrev/airdrop-runtime/logger"
)

// Kind tags a Frame's payload so the decoding side can dispatch without a
// type switch on the JSON shape itself.
type Kind string

const (
	// KindLog carries one structured log line upward from worker to
	// supervisor.
	KindLog Kind = "log"
	// KindEmitted notifies the supervisor that the worker's emitter has
	// completed its one allowed emission (WorkerMessageEmitted, §4.8).
	KindEmitted Kind = "emitted"
	// KindStart carries the originating AirdropEvent downward from
	// supervisor to worker, the only frame the worker expects before it
	// begins running the task.
	KindStart Kind = "start"
	// KindExit is WorkerMessageExit: the supervisor telling the worker its
	// deadline has passed and it must wind down cooperatively (§4.7/§4.8).
	KindExit Kind = "exit"
)

// Frame is one line of the newline-delimited JSON stream in either
// direction. Only the fields relevant to Kind are populated.
type Frame struct {
	Kind Kind `json:"kind"`

	// Log fields (KindLog).
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	SDKLog  bool   `json:"sdk_log,omitempty"`

	// Start fields (KindStart): the raw event JSON, kept opaque here so
	// this package doesn't need to import internal/model.
	Event json.RawMessage `json:"event,omitempty"`
}

// Writer encodes Frames as newline-delimited JSON onto an underlying
// io.Writer, serializing concurrent writers the way logger.ConsoleLogger
// serializes concurrent Print calls.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteFrame(f Frame) error {
	encoded, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("logtransport: encoding frame: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("logtransport: writing frame: %w", err)
	}
	return nil
}

// Reader decodes a newline-delimited JSON stream of Frames.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next Frame, or io.EOF once the underlying stream is
// exhausted.
func (r *Reader) Next() (Frame, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return Frame{}, fmt.Errorf("logtransport: reading frame: %w", err)
		}
		return Frame{}, io.EOF
	}
	var f Frame
	if err := json.Unmarshal(r.sc.Bytes(), &f); err != nil {
		return Frame{}, fmt.Errorf("logtransport: decoding frame: %w", err)
	}
	return f, nil
}

// SDKLogger is a logger.Logger whose every line is forwarded as a KindLog
// Frame instead of printed locally, with sdkLog fixed per instance so the
// worker can hand the user task a logger tagged sdk_log=false and keep a
// separate sdk_log=true logger for its own bootstrap lines, per §4.7's
// "cooperative flag propagated regardless of call stack depth" —
// represented here as two distinct logger values rather than a scheduler-
// local flag, since Go has no implicit async context to piggyback on.
type SDKLogger struct {
	w      *Writer
	sdkLog bool
	level  logger.Level
	fields logger.Fields
}

func NewSDKLogger(w *Writer, sdkLog bool) *SDKLogger {
	return &SDKLogger{w: w, sdkLog: sdkLog, level: logger.DEBUG}
}

func (l *SDKLogger) send(level, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	for _, f := range l.fields {
		msg = fmt.Sprintf("%s %s=%s", msg, f.Key(), f.String())
	}
	l.w.WriteFrame(Frame{Kind: KindLog, Level: level, Message: msg, SDKLog: l.sdkLog})
}

func (l *SDKLogger) Debug(format string, v ...any) {
	if l.level == logger.DEBUG {
		l.send("debug", format, v...)
	}
}
func (l *SDKLogger) Info(format string, v ...any) {
	if l.level <= logger.INFO {
		l.send("info", format, v...)
	}
}
func (l *SDKLogger) Notice(format string, v ...any) {
	if l.level <= logger.NOTICE {
		l.send("notice", format, v...)
	}
}
func (l *SDKLogger) Warn(format string, v ...any) {
	if l.level <= logger.WARN {
		l.send("warn", format, v...)
	}
}
func (l *SDKLogger) Error(format string, v ...any) { l.send("error", format, v...) }
func (l *SDKLogger) Fatal(format string, v ...any) { l.send("fatal", format, v...) }

func (l *SDKLogger) WithFields(fields ...logger.Field) logger.Logger {
	clone := *l
	clone.fields = append(append(logger.Fields{}, l.fields...), fields...)
	return &clone
}

func (l *SDKLogger) SetLevel(level logger.Level) { l.level = level }
func (l *SDKLogger) Level() logger.Level         { return l.level }

// ForwardTo drains r, re-emitting each KindLog frame through dest at its
// stated level and notifying onEmitted for each KindEmitted frame, until
// the underlying pipe closes. Meant to run in its own goroutine on the
// supervisor side for the lifetime of one worker invocation.
func ForwardTo(r *Reader, dest logger.Logger, onEmitted func()) error {
	for {
		f, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch f.Kind {
		case KindLog:
			switch f.Level {
			case "debug":
				dest.Debug("%s", f.Message)
			case "warn":
				dest.Warn("%s", f.Message)
			case "error":
				dest.Error("%s", f.Message)
			default:
				dest.Info("%s", f.Message)
			}
		case KindEmitted:
			if onEmitted != nil {
				onEmitted()
			}
		}
	}
}
