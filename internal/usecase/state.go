package usecase

import (
	"go.uber.org/zap"

	"github.com/example/ai-diagnose/internal/diagnosis"
)

// requestState follows one request through
// received -> staged -> invoked -> decoded -> completed, with failed
// reachable from any non-terminal state.
type requestState struct {
	current diagnosis.State
	logger  *zap.Logger
}

func newRequestState(logger *zap.Logger) *requestState {
	return &requestState{current: diagnosis.StateReceived, logger: logger}
}

func (s *requestState) to(next diagnosis.State) {
	if s.current.Terminal() {
		s.logger.Warn("ignored transition out of terminal state",
			zap.String("from", string(s.current)), zap.String("to", string(next)))
		return
	}
	s.logger.Debug("request state", zap.String("from", string(s.current)), zap.String("to", string(next)))
	s.current = next
}

func (s *requestState) fail(err error) {
	if s.current.Terminal() {
		return
	}
	s.logger.Debug("request state",
		zap.String("from", string(s.current)),
		zap.String("to", string(diagnosis.StateFailed)),
		zap.String("failure_kind", diagnosis.KindOf(err).String()),
	)
	s.current = diagnosis.StateFailed
}
