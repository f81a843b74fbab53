package inference

import (
	"bytes"

	"go.uber.org/zap"
)

// maxLogLine truncates a single logged stderr line.
const maxLogLine = 4096

// lineLogger captures the collaborator's standard error and logs it line by
// line as it arrives. exec.Cmd drives it from a single goroutine.
type lineLogger struct {
	logger  *zap.Logger
	all     bytes.Buffer
	pending []byte
}

func newLineLogger(logger *zap.Logger) *lineLogger {
	return &lineLogger{logger: logger}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.all.Write(p)
	l.pending = append(l.pending, p...)
	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx < 0 {
			break
		}
		l.emit(l.pending[:idx])
		l.pending = l.pending[idx+1:]
	}
	if len(l.pending) > maxLogLine {
		l.emit(l.pending)
		l.pending = nil
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (l *lineLogger) Flush() {
	if len(l.pending) > 0 {
		l.emit(l.pending)
		l.pending = nil
	}
}

// Bytes returns everything written so far.
func (l *lineLogger) Bytes() []byte {
	return l.all.Bytes()
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	if len(line) > maxLogLine {
		line = line[:maxLogLine]
	}
	l.logger.Warn("inference stderr", zap.ByteString("line", line))
}
