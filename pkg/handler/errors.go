package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	syncerrors "github.com/instill-ai/drivesync-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// ErrorBody is the JSON payload of failed requests.
type ErrorBody struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
	Details any        `json:"details,omitempty"`
}

// codeFromError maps domain errors to the gRPC code that determines the HTTP
// status of the response.
func codeFromError(err error) codes.Code {
	switch {
	case errors.Is(err, errorsx.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, errorsx.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, errorsx.ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, errorsx.ErrRateLimiting):
		return codes.ResourceExhausted
	case errors.Is(err, syncerrors.ErrNeedsReauth):
		return codes.FailedPrecondition
	case errors.Is(err, syncerrors.ErrSyncInProgress),
		errors.Is(err, syncerrors.ErrPermissionConflict),
		errors.Is(err, syncerrors.ErrConcurrentUpdate):
		return codes.Aborted
	}
	return codes.Internal
}

func (h *Handler) writeError(w http.ResponseWriter, err error, details any) {
	code := codeFromError(err)
	msg := errorsx.MessageOrErr(err)
	if code == codes.Internal {
		h.log.Error("Request failed", zap.Error(err))
		msg = "Internal error."
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), ErrorBody{Code: code, Message: msg, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
