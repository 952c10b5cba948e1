package server

import (
	"errors"
	"net/http"

	"SynthLedger/internal/core"
	"SynthLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errBadRequest marks malformed transport input (bad address, bad JSON).
var errBadRequest = errors.New("bad request")

// grpcStatus maps an engine rejection to a gRPC status.
func grpcStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(grpcCode(err), err.Error())
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, errBadRequest):
		return codes.InvalidArgument
	case errors.Is(err, core.ErrPositionNotFound), errors.Is(err, core.ErrLiquidationNotFound):
		return codes.NotFound
	case errors.Is(err, query.ErrNoCommandLog):
		return codes.Unimplemented
	case errors.Is(err, errTimingDisabled):
		return codes.FailedPrecondition
	}
	switch core.KindOf(err) {
	case core.KindValidation:
		return codes.InvalidArgument
	case core.KindSolvency, core.KindTiming, core.KindState:
		return codes.FailedPrecondition
	case core.KindOracleUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// httpStatus maps an engine rejection to an HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrPositionNotFound), errors.Is(err, core.ErrLiquidationNotFound):
		return http.StatusNotFound
	case errors.Is(err, query.ErrNoCommandLog):
		return http.StatusNotImplemented
	case errors.Is(err, errTimingDisabled):
		return http.StatusForbidden
	}
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindState:
		return http.StatusConflict
	case core.KindSolvency:
		return http.StatusUnprocessableEntity
	case core.KindTiming:
		return http.StatusTooEarly
	case core.KindOracleUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
