package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/ai-diagnose/internal/diagnosis"
)

// ErrorResponse maps a pipeline error to the status code and JSON body sent
// to the caller. Decode failures carry the collaborator's raw output.
func ErrorResponse(err error) (int, gin.H) {
	var derr *diagnosis.Error
	if !errors.As(err, &derr) {
		return http.StatusInternalServerError, gin.H{"error": "Analysis failed"}
	}

	switch derr.Kind {
	case diagnosis.KindValidation:
		if errors.Is(derr, diagnosis.ErrTooLarge) {
			return http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"}
		}
		return http.StatusBadRequest, gin.H{"error": "No image uploaded"}
	case diagnosis.KindStorage:
		return http.StatusInternalServerError, gin.H{"error": "Failed to store image"}
	case diagnosis.KindInvocation:
		if derr.Timeout {
			return http.StatusGatewayTimeout, gin.H{"error": "Analysis timed out"}
		}
		return http.StatusInternalServerError, gin.H{"error": "Analysis failed"}
	case diagnosis.KindDecode:
		return http.StatusInternalServerError, gin.H{"error": "Analysis failed", "details": derr.Raw}
	default:
		return http.StatusInternalServerError, gin.H{"error": "Analysis failed"}
	}
}

func respondError(c *gin.Context, err error) {
	status, body := ErrorResponse(err)
	c.AbortWithStatusJSON(status, body)
}
