package manager

import (
	"bytes"

	"go.uber.org/zap"

	"cloudslave/internal/logging"
)

// lineLogger logs remote output one complete line at a time.
type lineLogger struct {
	logger  *zap.Logger
	pending []byte
}

func (l *lineLogger) Write(p []byte) {
	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			return
		}
		l.emit(l.pending[:i])
		l.pending = l.pending[i+1:]
	}
}

// Flush logs a trailing line that did not end in a newline.
func (l *lineLogger) Flush() {
	if len(l.pending) > 0 {
		l.emit(l.pending)
		l.pending = nil
	}
}

func (l *lineLogger) emit(line []byte) {
	l.logger.Info("Command output",
		zap.String("line", logging.Truncate(string(bytes.TrimRight(line, "\r")))))
}
