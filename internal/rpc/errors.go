package rpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps backend errors onto gRPC codes; the message keeps the full
// error text.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return codes.Unimplemented
	case errors.Is(err, common.ErrInvalidArgument),
		errors.Is(err, common.ErrMissingCredential),
		errors.Is(err, common.ErrUnknownProvider):
		return codes.InvalidArgument
	case errors.Is(err, common.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, common.ErrSyncInProgress),
		errors.Is(err, common.ErrMovesInProgress),
		errors.Is(err, common.ErrVaultLocked),
		errors.Is(err, common.ErrDestinationUnavailable),
		errors.Is(err, common.ErrUploadSessionGone):
		return codes.FailedPrecondition
	case errors.Is(err, common.ErrUnauthorized),
		errors.Is(err, common.ErrInvalidToken):
		return codes.Unauthenticated
	case errors.Is(err, common.ErrCancelledByUser),
		errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}
