package fibaro

import "sync"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// logSink holds a replaceable logger. A nil logger discards everything.
type logSink struct {
	mu     sync.RWMutex
	logger Logger
}

// SetLogger sets the logger. Passing nil disables logging.
func (s *logSink) SetLogger(logger Logger) {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

func (s *logSink) current() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

func (s *logSink) logDebug(msg string, keysAndValues ...any) {
	if l := s.current(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (s *logSink) logInfo(msg string, keysAndValues ...any) {
	if l := s.current(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (s *logSink) logWarn(msg string, keysAndValues ...any) {
	if l := s.current(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (s *logSink) logError(msg string, err error, keysAndValues ...any) {
	if l := s.current(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
