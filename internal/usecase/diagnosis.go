package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/ai-diagnose/internal/diagnosis"
	"github.com/example/ai-diagnose/internal/logging"
	"github.com/example/ai-diagnose/internal/repository"
	"github.com/example/ai-diagnose/internal/staging"
)

// ErrResultNotFound is returned when a request id is unknown to both the
// status cache and the history store.
var ErrResultNotFound = errors.New("result not found")

// ErrHistoryDisabled is returned by operations that need the history store
// when none is configured.
var ErrHistoryDisabled = errors.New("diagnosis history is not configured")

// Stager persists uploads for the duration of one request.
type Stager interface {
	Stage(ctx context.Context, upload *diagnosis.Upload) (*staging.Handle, error)
}

// Invoker runs the inference collaborator against a staged file.
type Invoker interface {
	Invoke(ctx context.Context, requestID, path string) (*diagnosis.Outcome, error)
}

// HistoryRepository defines the persistence operations needed by the use case.
type HistoryRepository interface {
	SaveLog(ctx context.Context, log *repository.DiagnosisLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.DiagnosisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// DiagnosisUseCase sequences staging, invocation and decoding for each request.
// It holds no per-request state; concurrent calls share only the staging directory.
type DiagnosisUseCase struct {
	stager          Stager
	invoker         Invoker
	cache           Cache
	history         HistoryRepository
	logger          *zap.Logger
	now             func() time.Time
	resultTTL       time.Duration
	processingGrace time.Duration
	retryAttempts   int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
}

// Option configures optional collaborators of the use case.
type Option func(*DiagnosisUseCase)

// WithCache enables request status tracking in cache with the given TTL.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(uc *DiagnosisUseCase) {
		uc.cache = cache
		if ttl > 0 {
			uc.resultTTL = ttl
		}
	}
}

// WithHistory enables persisting a summary of every request.
func WithHistory(history HistoryRepository) Option {
	return func(uc *DiagnosisUseCase) {
		uc.history = history
	}
}

// NewDiagnosisUseCase constructs a new use case instance.
func NewDiagnosisUseCase(stager Stager, invoker Invoker, logger *zap.Logger, opts ...Option) *DiagnosisUseCase {
	uc := &DiagnosisUseCase{
		stager:          stager,
		invoker:         invoker,
		logger:          logger.Named("diagnosis_usecase"),
		now:             time.Now,
		resultTTL:       10 * time.Minute,
		processingGrace: 2 * time.Minute,
		retryAttempts:   3,
		initialBackoff:  50 * time.Millisecond,
		maxBackoff:      time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Diagnose runs one upload through the pipeline and returns the request id
// with either a record or a *diagnosis.Error. The staged file is removed
// before Diagnose returns on every path. Work continues when ctx is
// cancelled by the caller; the invoker's own timeout bounds it instead.
func (uc *DiagnosisUseCase) Diagnose(ctx context.Context, upload *diagnosis.Upload) (string, *diagnosis.Record, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.diagnose", requestID)

	if upload == nil || upload.Content == nil || upload.Size == 0 {
		opLogger.Info("rejected request without image")
		return requestID, nil, diagnosis.WithRequestID(diagnosis.NewValidationError("usecase.diagnose", diagnosis.ErrNoImage), requestID)
	}

	ctx = context.WithoutCancel(ctx)
	started := uc.now()
	state := newRequestState(opLogger)

	uc.publishStatus(ctx, newStoredResult(requestID, nil, nil, started.UTC()))

	record, err := uc.run(ctx, requestID, upload, state)
	elapsed := uc.now().Sub(started)
	if err != nil {
		err = diagnosis.WithRequestID(err, requestID)
		state.fail(err)
		opLogger.Error("diagnosis failed",
			zap.String("failure_kind", diagnosis.KindOf(err).String()),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		state.to(diagnosis.StateCompleted)
		opLogger.Info("diagnosis completed",
			zap.String("condition", record.Condition),
			zap.Float64("confidence", record.Confidence),
			zap.Duration("elapsed", elapsed),
		)
	}

	uc.publishStatus(ctx, newStoredResult(requestID, record, err, started.UTC()))
	uc.saveHistory(ctx, requestID, upload, record, err, started, elapsed)

	return requestID, record, err
}

func (uc *DiagnosisUseCase) run(ctx context.Context, requestID string, upload *diagnosis.Upload, state *requestState) (*diagnosis.Record, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.run", requestID)

	handle, err := uc.stager.Stage(ctx, upload)
	if err != nil {
		return nil, err
	}
	state.to(diagnosis.StateStaged)
	defer func() {
		if relErr := handle.Release(); relErr != nil {
			opLogger.Error("failed to release staged artifact", zap.String("path", handle.Path()), zap.Error(relErr))
		}
	}()

	outcome, err := uc.invoker.Invoke(ctx, requestID, handle.Path())
	if err != nil {
		return nil, err
	}
	state.to(diagnosis.StateInvoked)

	record, err := diagnosis.Decode(outcome)
	if err != nil {
		opLogger.Error("failed to decode inference output",
			zap.Int("exit_code", outcome.ExitCode),
			zap.ByteString("raw_output", outcome.Stdout),
		)
		return nil, err
	}
	state.to(diagnosis.StateDecoded)
	return record, nil
}

func (uc *DiagnosisUseCase) saveHistory(ctx context.Context, requestID string, upload *diagnosis.Upload, record *diagnosis.Record, failure error, started time.Time, elapsed time.Duration) {
	if uc.history == nil {
		return
	}
	res := newStoredResult(requestID, record, failure, started.UTC())
	log := &repository.DiagnosisLog{
		RequestID:   requestID,
		Status:      res.Status,
		Condition:   res.Condition,
		Confidence:  res.Confidence,
		Description: res.Description,
		FailureKind: res.FailureKind,
		ImageSize:   upload.Size,
		ImageExt:    staging.Extension(upload.Filename),
		DurationMs:  elapsed.Milliseconds(),
		CreatedAt:   res.CreatedAt,
	}
	if record != nil {
		log.Positive = record.Positive
	}
	if err := uc.history.SaveLog(ctx, log); err != nil {
		uc.logger.Warn("failed to persist diagnosis history", fieldsOf(err)...)
	}
}

// GetResult returns the status of a previous request from the cache, falling
// back to the history store.
func (uc *DiagnosisUseCase) GetResult(ctx context.Context, requestID string) (*StoredResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		var cached string
		err := uc.withRedisRetry(ctx, requestID, "cache.get.status", func() error {
			value, err := uc.cache.Get(ctx, statusKey(requestID))
			if err != nil {
				return err
			}
			cached = value
			return nil
		})
		switch {
		case err == nil:
			var res StoredResult
			if jsonErr := json.Unmarshal([]byte(cached), &res); jsonErr != nil {
				opLogger.Warn("failed to decode cached status", zap.Error(jsonErr))
			} else {
				return &res, nil
			}
		case !errors.Is(err, ErrCacheMiss):
			opLogger.Warn("failed to read cache", fieldsOf(err)...)
		}
	}

	if uc.history == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.history.FindByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return storedFromLog(log), nil
}
