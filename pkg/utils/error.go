package utils

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrMissingCredentials = fmt.Errorf("An API key and secret are required")
	ErrProtocol           = fmt.Errorf("Protocol violation")
	ErrReconnectFailed    = fmt.Errorf("Connection retry attempts exhausted")
	ErrDrainTimeout       = fmt.Errorf("Timed out waiting for jobs to finish")
	ErrNotFound           = fmt.Errorf("Not found")
	ErrClosed             = fmt.Errorf("Closed")
	ErrStartTimeout       = fmt.Errorf("Process start timed out")
	ErrHeartbeatTimeout   = fmt.Errorf("Process stopped responding to pings")
)

// An error carrying additional diagnostic output,
// typically captured from a failed process.
type DetailedError interface {
	error
	Details() string
}

type detailedError struct {
	message string
	details string
}

func NewDetailedError(message, details string) error {
	return &detailedError{
		message: message,
		details: details,
	}
}

func (e *detailedError) Error() string {
	return e.message
}

func (e *detailedError) Details() string {
	return e.details
}

// Convert errors to errors with grpc status codes
func GrpcError(err error) error {
	switch err {
	case ErrNotFound:
		return status.Errorf(codes.NotFound, "%s", err.Error())
	case ErrProtocol:
		return status.Errorf(codes.FailedPrecondition, "%s", err.Error())
	case ErrClosed:
		return status.Errorf(codes.Unavailable, "%s", err.Error())
	}
	return err
}
