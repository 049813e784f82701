package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/slidecore/orchestrator/internal/orcherr"
)

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// respondError maps an orcherr.Kind to an HTTP status (NotFound -> 404,
// conflict-ish kinds -> 409, tool and filesystem kinds -> 500,
// QueueFull -> 429); UnsupportedFormat and errors without a Kind fall
// back to 400.
func respondError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	code := "unknown"
	if kind, ok := errKind(err); ok {
		code = string(kind)
		switch kind {
		case orcherr.KindNotFound:
			status = http.StatusNotFound
		case orcherr.KindInProgress, orcherr.KindArtifactExists, orcherr.KindArtifactMissing:
			status = http.StatusConflict
		case orcherr.KindToolAbsent, orcherr.KindToolFailure, orcherr.KindTimeout,
			orcherr.KindStagingSetupFailed, orcherr.KindPromotionFailed, orcherr.KindCleanupDeferred:
			status = http.StatusInternalServerError
		case orcherr.KindQueueFull:
			status = http.StatusTooManyRequests
		}
	}
	c.JSON(status, errorEnvelope{Error: apiError{Message: err.Error(), Code: code}})
}

func errKind(err error) (orcherr.Kind, bool) {
	for _, kind := range []orcherr.Kind{
		orcherr.KindNotFound, orcherr.KindUnsupportedFormat, orcherr.KindInProgress,
		orcherr.KindArtifactExists, orcherr.KindArtifactMissing, orcherr.KindToolAbsent,
		orcherr.KindToolFailure, orcherr.KindTimeout, orcherr.KindStagingSetupFailed,
		orcherr.KindPromotionFailed, orcherr.KindCleanupDeferred, orcherr.KindQueueFull,
	} {
		if orcherr.IsKind(err, kind) {
			return kind, true
		}
	}
	return "", false
}
