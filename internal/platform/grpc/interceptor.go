package grpc

import (
	"context"
	"errors"

	platformerrors "github.com/lmarques/roomcast/internal/platform/errors"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// StatusUnaryInterceptor converts domain errors returned by handlers into
// gRPC statuses carrying the machine-readable code as an ErrorInfo detail.
// Errors that already carry a status pass through untouched.
func StatusUnaryInterceptor() gogrpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return resp, err
		}

		var domainErr *platformerrors.Error
		if errors.As(err, &domainErr) {
			return resp, domainErr.ToGRPCStatus()
		}
		return resp, err
	}
}
