package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/ai-diagnose/internal/diagnosis"
	"github.com/example/ai-diagnose/internal/usecase"
)

// MaxUploadSize is the default request body limit for uploads.
const MaxUploadSize = 10 << 20

// RequestIDHeader carries the request id of a diagnosis on the response.
const RequestIDHeader = "X-Request-ID"

// Options tunes route registration.
type Options struct {
	// MaxUploadBytes caps the request body of the diagnose endpoint.
	MaxUploadBytes int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.DiagnosisUseCase, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/diagnose", limitBody(opts.MaxUploadBytes), diagnoseHandler(uc))

	api.GET("/diagnose/:id", func(c *gin.Context) {
		res, err := uc.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, usecase.ErrResultNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	api.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrHistoryDisabled) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics unavailable"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func diagnoseHandler(uc *usecase.DiagnosisUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondError(c, diagnosis.NewValidationError("handlers.form_file", diagnosis.ErrTooLarge))
				return
			}
			respondError(c, diagnosis.NewValidationError("handlers.form_file", diagnosis.ErrNoImage))
			return
		}

		src, err := file.Open()
		if err != nil {
			respondError(c, diagnosis.NewStorageError("handlers.open_upload", err))
			return
		}
		defer src.Close()

		requestID, record, err := uc.Diagnose(c.Request.Context(), &diagnosis.Upload{
			Filename: file.Filename,
			Size:     file.Size,
			Content:  src,
		})
		c.Header(RequestIDHeader, requestID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
