package apierr

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var kindToCode = map[Kind]codes.Code{
	NotFound:           codes.NotFound,
	Conflict:           codes.AlreadyExists,
	InvalidArgument:    codes.InvalidArgument,
	FailedPrecondition: codes.FailedPrecondition,
	Unavailable:        codes.Unavailable,
	Internal:           codes.Internal,
}

// ToStatus translates err into a gRPC status, classifying it by Kind.
// Validation and precondition errors are returned verbatim to the
// caller; Internal errors are reduced to a generic message, matching
// the propagation policy of the error-handling design.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	code, ok := kindToCode[kind]
	if !ok {
		code = codes.Internal
	}
	if kind == Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// UnaryServerInterceptor maps handler errors to gRPC status codes via
// ToStatus, so every RPC surface gets consistent error classification
// without each handler constructing its own status.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, ToStatus(err)
		}
		return resp, nil
	}
}
