package api

import (
	"errors"

	"github.com/aschepis/backscratcher/cortex/core"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code maps a Cortex error to a gRPC code.
func Code(err error) codes.Code {
	switch core.KindOf(err) {
	case core.KindNotFound:
		return codes.NotFound
	case core.KindInvalidInput:
		return codes.InvalidArgument
	case core.KindIsolationViolation:
		return codes.PermissionDenied
	case core.KindConflict:
		return codes.Aborted
	case core.KindInvariantViolation:
		return codes.FailedPrecondition
	case core.KindUpstreamUnavailable:
		return codes.Unavailable
	}
	if _, ok := status.FromError(err); ok {
		return status.Code(err)
	}
	return codes.Internal
}

// ToStatus converts err to a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && core.KindOf(err) == "" {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// FromStatus converts a gRPC status error back to a typed Cortex error so callers can
// use the core predicates on either side of the wire.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	cause := errors.New(st.Message())
	switch st.Code() {
	case codes.NotFound:
		return &core.Error{Kind: core.KindNotFound, Err: cause}
	case codes.InvalidArgument:
		return &core.Error{Kind: core.KindInvalidInput, Err: cause}
	case codes.PermissionDenied:
		return &core.Error{Kind: core.KindIsolationViolation, Err: cause}
	case codes.Aborted:
		return &core.Error{Kind: core.KindConflict, Err: cause}
	case codes.FailedPrecondition:
		return &core.Error{Kind: core.KindInvariantViolation, Err: cause}
	case codes.Unavailable:
		return &core.Error{Kind: core.KindUpstreamUnavailable, Err: cause}
	}
	return err
}
