// Package transport - HTTP binding of the sync protocol: chi server side, resty client side
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/alwitt/securesync/models"
)

// BasePath URL prefix of every protocol endpoint
const BasePath = "/securesync/api"

// Endpoint paths, relative to BasePath
const (
	PathStatus     = "/status"
	PathConnect    = "/session/connect"
	PathVerify     = "/session/verify"
	PathClose      = "/session/close"
	PathWatermarks = "/records/watermarks"
	PathUpload     = "/records/upload"
	PathDownload   = "/records/download"
	PathRegister   = "/register"
)

var statusOfCode = map[models.SyncErrorCode]int{
	models.ErrCodeAuthenticationFailure: http.StatusUnauthorized,
	models.ErrCodeTrustViolation:        http.StatusForbidden,
	models.ErrCodeSignatureInvalid:      http.StatusUnprocessableEntity,
	models.ErrCodeConflictAmbiguous:     http.StatusConflict,
	models.ErrCodeTransportFailure:      http.StatusBadGateway,
	models.ErrCodeRegistrationConflict:  http.StatusConflict,
	models.ErrCodeInvalidRequest:        http.StatusBadRequest,
	models.ErrCodeNotFound:              http.StatusNotFound,
}

// HTTPStatus the HTTP status reporting an error
func HTTPStatus(err error) int {
	code, ok := models.ErrorCode(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status, ok := statusOfCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// codeOfStatus best guess at the error code of a response without a usable body
func codeOfStatus(status int) models.SyncErrorCode {
	switch status {
	case http.StatusUnauthorized:
		return models.ErrCodeAuthenticationFailure
	case http.StatusForbidden:
		return models.ErrCodeTrustViolation
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		return models.ErrCodeInvalidRequest
	case http.StatusNotFound:
		return models.ErrCodeNotFound
	default:
		return models.ErrCodeTransportFailure
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

func readJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return models.WrapSyncError(models.ErrCodeInvalidRequest, err, "request body is not valid JSON")
	}
	return nil
}
