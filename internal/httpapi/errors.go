package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	CodeUnsupportedFormat   = "unsupported_format"
	CodeInvalidURL          = "invalid_url"
	CodeDownloadFailed      = "download_failed"
	CodeTranscriptionFailed = "transcription_failed"
	CodeInvalidRequest      = "invalid_request"
	CodePayloadTooLarge     = "payload_too_large"
	CodeModelLoading        = "model_loading"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal_error"
)

// APIError is the only error shape handlers send to clients.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func errUnsupportedFormat(ext string) *APIError {
	if ext == "" {
		ext = "(none)"
	}
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    CodeUnsupportedFormat,
		Message: fmt.Sprintf("unsupported file format: %s; supported: %s", ext, strings.Join(SupportedExtensions(), ", ")),
	}
}

func errInvalidURL() *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeInvalidURL, Message: "invalid URL: must start with http:// or https://"}
}

func errDownloadFailed(err error) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeDownloadFailed, Message: "download failed: " + err.Error()}
}

func errTranscriptionFailed(err error) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: CodeTranscriptionFailed, Message: "transcription failed: " + err.Error()}
}

func errInvalidRequest(message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeInvalidRequest, Message: message}
}

func errPayloadTooLarge(limit int64) *APIError {
	return &APIError{Status: http.StatusRequestEntityTooLarge, Code: CodePayloadTooLarge, Message: fmt.Sprintf("upload exceeds %d bytes", limit)}
}

func errModelLoading() *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: CodeModelLoading, Message: "model is still loading"}
}

func errUnavailable(message string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: message}
}

func errInternal() *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error"}
}

func writeError(c *gin.Context, err *APIError) {
	c.AbortWithStatusJSON(err.Status, errorBody{Detail: err.Message, Code: err.Code})
}

var supportedExtensions = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".m4a":  {},
	".flac": {},
	".ogg":  {},
	".webm": {},
	".mp4":  {},
}

func SupportedExtensions() []string {
	out := make([]string, 0, len(supportedExtensions))
	for ext := range supportedExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func isSupportedExtension(ext string) bool {
	_, ok := supportedExtensions[strings.ToLower(ext)]
	return ok
}
