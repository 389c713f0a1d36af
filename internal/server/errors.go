package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	perrors "github.com/devrev/pairdb/promoter/internal/errors"
	"github.com/devrev/pairdb/promoter/internal/middleware"
	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/service"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	// Episode is set when a promotion ran but did not complete
	Episode *model.Episode `json:"episode,omitempty"`
}

// httpStatus maps an error to an HTTP status and an error code
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrSuperseded):
		return http.StatusConflict, "SUPERSEDED"
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}

	st, _ := status.FromError(perrors.ToGRPCError(err))
	switch st.Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest, "INVALID_REQUEST"
	case codes.NotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed, "FAILED_PRECONDITION"
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case codes.Unavailable:
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, episode *model.Episode) {
	code, errorCode := httpStatus(err)
	writeJSON(w, code, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   err.Error(),
		RequestID: middleware.GetRequestID(r.Context()),
		Episode:   episode,
	})
}
