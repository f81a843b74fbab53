package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/ai-diagnose/internal/diagnosis"
	"github.com/example/ai-diagnose/internal/logging"
	"github.com/example/ai-diagnose/internal/repository"
)

// Request statuses exposed through result lookups.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// StoredResult is what a later lookup of a request returns.
type StoredResult struct {
	RequestID   string    `json:"request_id"`
	Status      string    `json:"status"`
	Condition   string    `json:"condition,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Description string    `json:"description,omitempty"`
	FailureKind string    `json:"failure_kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func statusKey(requestID string) string {
	return fmt.Sprintf("diagnosis:%s", requestID)
}

func newStoredResult(requestID string, record *diagnosis.Record, failure error, at time.Time) *StoredResult {
	res := &StoredResult{RequestID: requestID, Status: StatusProcessing, CreatedAt: at}
	switch {
	case failure != nil:
		res.Status = StatusFailed
		res.FailureKind = diagnosis.KindOf(failure).String()
	case record != nil:
		res.Status = StatusCompleted
		res.Condition = record.Condition
		res.Confidence = record.Confidence
		res.Description = record.Description
	}
	return res
}

func storedFromLog(log *repository.DiagnosisLog) *StoredResult {
	return &StoredResult{
		RequestID:   log.RequestID,
		Status:      log.Status,
		Condition:   log.Condition,
		Confidence:  log.Confidence,
		Description: log.Description,
		FailureKind: log.FailureKind,
		CreatedAt:   log.CreatedAt,
	}
}

// publishStatus writes the request's status to the cache. Failures are
// logged and swallowed: status tracking never changes a diagnosis response.
func (uc *DiagnosisUseCase) publishStatus(ctx context.Context, res *StoredResult) {
	if uc.cache == nil {
		return
	}
	operation := "cache.set." + res.Status
	serialized, err := json.Marshal(res)
	if err != nil {
		logging.WithOperation(uc.logger, operation, res.RequestID).Warn("failed to serialize status", zap.Error(err))
		return
	}
	ttl := uc.resultTTL
	if res.Status == StatusProcessing {
		ttl = uc.resultTTL + uc.processingGrace
	}
	if err := uc.withRedisRetry(ctx, res.RequestID, operation, func() error {
		return uc.cache.Set(ctx, statusKey(res.RequestID), string(serialized), ttl)
	}); err != nil {
		uc.logger.Warn("failed to publish request status", fieldsOf(err)...)
	}
}

func (uc *DiagnosisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	attempts := uc.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, attempt-1, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 1 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if errors.Is(err, ErrCacheMiss) {
			return err
		}
		if !repository.IsTransientError(err) || attempt == attempts {
			return logging.NewOperationError(operation, requestID, attempt, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt))
	}
	return logging.NewOperationError(operation, requestID, attempts, err)
}

func fieldsOf(err error) []zap.Field {
	var opErr *logging.OperationError
	if errors.As(err, &opErr) {
		return opErr.Fields()
	}
	return []zap.Field{zap.Error(err)}
}
