package session

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/raphaelgruber/tutorchat/internal/client"
)

var (
	// ErrAuthRequired is returned when an operation needs a user and no session is bound.
	ErrAuthRequired = errors.New("authentication required")

	// ErrSessionEnded is returned when the session a call was issued for ended before it completed.
	ErrSessionEnded = errors.New("session ended")

	errEmptyTranscript = errors.New("transcription returned no text")
)

// NetworkError is a failed request/response call.
type NetworkError struct {
	Op      string // metrics op name, e.g. "send"
	Status  int    // HTTP status, zero for transport failures
	Message string // server-provided {message}, if any
	Err     error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s failed: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func newNetworkError(op string, err error) *NetworkError {
	netErr := &NetworkError{Op: op, Err: err}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		netErr.Status = apiErr.Status
		netErr.Message = apiErr.Message
	}
	return netErr
}

// TranscriptionError means recorded speech could not be turned into text. Nothing was sent.
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("transcription failed: %v", e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}
