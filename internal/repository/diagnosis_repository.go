package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/ai-diagnose/internal/logging"
)

// DiagnosisLog is the persisted summary of one diagnosis request. The image
// itself is never stored.
type DiagnosisLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Status      string    `gorm:"column:status;size:16;index"`
	Condition   string    `gorm:"column:condition;size:64"`
	Confidence  float64   `gorm:"column:confidence"`
	Positive    bool      `gorm:"column:positive"`
	Description string    `gorm:"column:description;type:text"`
	FailureKind string    `gorm:"column:failure_kind;size:16"`
	ImageSize   int64     `gorm:"column:image_size"`
	ImageExt    string    `gorm:"column:image_ext;size:16"`
	DurationMs  int64     `gorm:"column:duration_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (DiagnosisLog) TableName() string {
	return "diagnosis_logs"
}

// MetricsAggregation holds raw counters computed over the history table.
type MetricsAggregation struct {
	TotalCount      int64
	CompletedCount  int64
	FailedCount     int64
	AverageDuration float64
	ByCondition     map[string]int64
}

// DiagnosisRepository provides persistence APIs for diagnosis logs.
type DiagnosisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDiagnosisRepository creates a new repository instance.
func NewDiagnosisRepository(db *gorm.DB, logger *zap.Logger) *DiagnosisRepository {
	return &DiagnosisRepository{
		db:             db,
		logger:         logger.Named("diagnosis_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DiagnosisRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&DiagnosisLog{})
}

// SaveLog persists a diagnosis log entry.
func (r *DiagnosisRepository) SaveLog(ctx context.Context, log *DiagnosisLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for a request.
func (r *DiagnosisRepository) FindByRequestID(ctx context.Context, requestID string) (*DiagnosisLog, error) {
	var log DiagnosisLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes counters over all stored logs.
func (r *DiagnosisRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals struct {
		TotalCount      int64
		CompletedCount  int64
		FailedCount     int64
		AverageDuration float64
	}
	var rows []struct {
		Condition string
		Count     int64
	}

	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		if err := r.db.WithContext(ctx).Model(&DiagnosisLog{}).
			Select("COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS completed_count, " +
				"COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed_count, " +
				"COALESCE(AVG(duration_ms), 0) AS average_duration").
			Scan(&totals).Error; err != nil {
			return err
		}
		return r.db.WithContext(ctx).Model(&DiagnosisLog{}).
			Select("condition, COUNT(*) AS count").
			Where("status = ?", "completed").
			Group("condition").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:      totals.TotalCount,
		CompletedCount:  totals.CompletedCount,
		FailedCount:     totals.FailedCount,
		AverageDuration: totals.AverageDuration,
		ByCondition:     make(map[string]int64, len(rows)),
	}
	for _, row := range rows {
		agg.ByCondition[row.Condition] = row.Count
	}
	return agg, nil
}

func (r *DiagnosisRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, attempt-1, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 1 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !IsTransientError(err) || attempt == attempts {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt))
			return logging.NewOperationError(operation, requestID, attempt, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt))
	}
	return logging.NewOperationError(operation, requestID, attempts, err)
}

// IsTransientError reports whether err looks like a timeout or temporary
// network failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
