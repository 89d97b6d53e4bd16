package errs

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCCode maps a domain code to a gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeAccessDenied:
		return codes.PermissionDenied
	case CodeNotFound:
		return codes.NotFound
	case CodeConflict:
		return codes.AlreadyExists
	case CodeInvalidState:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// ToGRPC converts a domain error into a gRPC status error for clients.
// Uncoded errors become Internal.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && GetCode(err) == CodeUnknown {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return status.Error(e.Code.GRPCCode(), e.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPC converts a gRPC status error back into a domain error so
// callers on the client side can use errors.Is against the sentinels.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var code Code
	switch st.Code() {
	case codes.PermissionDenied:
		code = CodeAccessDenied
	case codes.NotFound:
		code = CodeNotFound
	case codes.AlreadyExists:
		code = CodeConflict
	case codes.FailedPrecondition:
		code = CodeInvalidState
	default:
		return err
	}
	return &Error{Code: code, Message: st.Message()}
}
