// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Membership errors
	CodeMembershipNotFound Code = "MEMBERSHIP_NOT_FOUND"
	CodeMembershipRevoked  Code = "MEMBERSHIP_REVOKED"
	CodeRoomIDRequired     Code = "ROOM_ID_REQUIRED"
	CodeUserIDRequired     Code = "USER_ID_REQUIRED"

	// Moderation errors
	CodeModeratorRequired Code = "MODERATOR_REQUIRED"
	CodeMemberMuted       Code = "MEMBER_MUTED"
	CodeMemberBanned      Code = "MEMBER_BANNED"

	// Disconnect errors
	CodeDisconnectSignalInvalid Code = "DISCONNECT_SIGNAL_INVALID"

	// Storage errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeRoomIDRequired,
		CodeUserIDRequired,
		CodeDisconnectSignalInvalid:
		return codes.InvalidArgument

	// NotFound - missing records
	case CodeMembershipNotFound,
		CodeNotFound:
		return codes.NotFound

	// PermissionDenied - caller lacks capability or is moderated
	case CodeModeratorRequired,
		CodeMemberMuted,
		CodeMemberBanned:
		return codes.PermissionDenied

	// FailedPrecondition - membership exists but is revoked
	case CodeMembershipRevoked:
		return codes.FailedPrecondition

	// Unavailable - transient infrastructure failures
	case CodeStorageUnavailable:
		return codes.Unavailable

	default:
		return codes.Unknown
	}
}
