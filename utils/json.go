package utils

import (
	"Go_Upload/internal/apperr"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Success writes data as a 200 JSON response.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Fail writes err as {"code", "error", "msg"} with the status its code maps to.
func Fail(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status, name := StatusFor(code)
	msg := err.Error()
	var coded *apperr.Error
	if errors.As(err, &coded) {
		msg = coded.Msg
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(),
			"code", code,
			"err", err,
		)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": name,
		"msg":   msg,
	})
}

// StatusFor maps an error code onto an HTTP status and the snake_case error name.
func StatusFor(code apperr.Code) (int, string) {
	switch code {
	case apperr.CodeInvalidRequest:
		return http.StatusBadRequest, "invalid_request"
	case apperr.CodeUnknownChunk:
		return http.StatusNotFound, "unknown_chunk"
	case apperr.CodeNotFound:
		return http.StatusNotFound, "upload_not_found"
	case apperr.CodeDiskWriteFailed:
		return http.StatusInternalServerError, "disk_write_failed"
	case apperr.CodeLedgerUpdateFailed:
		return http.StatusInternalServerError, "ledger_update_failed"
	case apperr.CodeFinalizeFailed:
		return http.StatusInternalServerError, "finalize_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
