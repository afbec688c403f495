// Package errors provides the structured error taxonomy shared by the ledger,
// the compliance engine and their collaborators.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeInvalidAmount         Code = "INVALID_AMOUNT"
	CodeInvalidDuration       Code = "INVALID_DURATION"
	CodeInvalidMaxLossPercent Code = "INVALID_MAX_LOSS_PERCENT"
	CodeInvalidCommitmentType Code = "INVALID_COMMITMENT_TYPE"
	CodeInvalidPenaltyPercent Code = "INVALID_PENALTY_PERCENT"
	CodeInvalidFeeThreshold   Code = "INVALID_FEE_THRESHOLD"
	CodeInvalidPercent        Code = "INVALID_PERCENT"
	CodeInvalidAttestation    Code = "INVALID_ATTESTATION"
	CodeZeroAddress           Code = "ZERO_ADDRESS"
	CodeExpirationOverflow    Code = "EXPIRATION_OVERFLOW"

	// State errors
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadySettled     Code = "ALREADY_SETTLED"
	CodeNotActive          Code = "NOT_ACTIVE"
	CodeNotExpired         Code = "NOT_EXPIRED"
	CodeAlreadyInitialized Code = "ALREADY_INITIALIZED"
	CodeNotInitialized     Code = "NOT_INITIALIZED"
	CodePaused             Code = "PAUSED"
	CodeTokenLocked        Code = "TOKEN_LOCKED"

	// Auth errors
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeNotAuthorizedUpdater Code = "NOT_AUTHORIZED_UPDATER"
	CodeNotOwner             Code = "NOT_OWNER"
	CodeReentrancyDetected   Code = "REENTRANCY_DETECTED"

	// Resource errors
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeTransferFailed      Code = "TRANSFER_FAILED"
	CodeMintingFailed       Code = "MINTING_FAILED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeStorage             Code = "STORAGE"
)

// Kind groups codes into the four failure families callers branch on.
type Kind string

const (
	KindValidation Kind = "validation"
	KindState      Kind = "state"
	KindAuth       Kind = "auth"
	KindResource   Kind = "resource"
	KindInternal   Kind = "internal"
)

// Kind returns the failure family for the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidAmount,
		CodeInvalidDuration,
		CodeInvalidMaxLossPercent,
		CodeInvalidCommitmentType,
		CodeInvalidPenaltyPercent,
		CodeInvalidFeeThreshold,
		CodeInvalidPercent,
		CodeInvalidAttestation,
		CodeZeroAddress,
		CodeExpirationOverflow:
		return KindValidation

	case CodeNotFound,
		CodeAlreadySettled,
		CodeNotActive,
		CodeNotExpired,
		CodeAlreadyInitialized,
		CodeNotInitialized,
		CodePaused,
		CodeTokenLocked:
		return KindState

	case CodeUnauthorized,
		CodeNotAuthorizedUpdater,
		CodeNotOwner,
		CodeReentrancyDetected:
		return KindAuth

	case CodeInsufficientBalance,
		CodeTransferFailed,
		CodeMintingFailed,
		CodeRateLimited:
		return KindResource

	default:
		return KindInternal
	}
}

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - bad caller input
	case CodeInvalidAmount,
		CodeInvalidDuration,
		CodeInvalidMaxLossPercent,
		CodeInvalidCommitmentType,
		CodeInvalidPenaltyPercent,
		CodeInvalidFeeThreshold,
		CodeInvalidPercent,
		CodeInvalidAttestation,
		CodeZeroAddress:
		return codes.InvalidArgument

	case CodeExpirationOverflow:
		return codes.OutOfRange

	// FailedPrecondition - state doesn't allow operation
	case CodeAlreadySettled,
		CodeNotActive,
		CodeNotExpired,
		CodeNotInitialized,
		CodePaused,
		CodeTokenLocked,
		CodeInsufficientBalance:
		return codes.FailedPrecondition

	case CodeNotFound:
		return codes.NotFound

	case CodeAlreadyInitialized:
		return codes.AlreadyExists

	case CodeUnauthorized,
		CodeNotAuthorizedUpdater,
		CodeNotOwner:
		return codes.PermissionDenied

	// Aborted - the caller should retry outside the nested call
	case CodeReentrancyDetected:
		return codes.Aborted

	case CodeRateLimited:
		return codes.ResourceExhausted

	case CodeTransferFailed,
		CodeMintingFailed:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
