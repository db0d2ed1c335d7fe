package upload

import (
	"fmt"
	"net/http"
)

// Reason classifies an upload failure.
type Reason string

const (
	ReasonTooLarge          Reason = "too_large"
	ReasonUnsupportedType   Reason = "unsupported_type"
	ReasonServerError       Reason = "server_error"
	ReasonMalformedResponse Reason = "malformed_response"
	ReasonNetwork           Reason = "network"
	ReasonFailed            Reason = "failed"
)

// Error is returned for every upload failure.
type Error struct {
	Reason Reason
	Status int   // HTTP status, 0 if no response was received
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("upload: %s (status %d): %v", e.Reason, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("upload: %s (status %d)", e.Reason, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("upload: %s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("upload: %s", e.Reason)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage returns the text to show the user.
func (e *Error) UserMessage() string {
	const prefix = "File upload failed. "
	switch e.Reason {
	case ReasonTooLarge:
		if e.Status == 0 {
			return fmt.Sprintf("File size must be less than %d MB.", MaxFileSize>>20)
		}
		return prefix + "File too large. Please try a smaller file."
	case ReasonUnsupportedType:
		return prefix + "File type not supported."
	case ReasonServerError:
		return prefix + "Server error. Please try again later."
	case ReasonMalformedResponse:
		return prefix + "Server configuration issue. Please contact administrator."
	default:
		return prefix + "Please try again."
	}
}

// reasonForStatus maps a non-2xx status to a failure reason.
func reasonForStatus(status int) Reason {
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return ReasonTooLarge
	case status == http.StatusUnsupportedMediaType:
		return ReasonUnsupportedType
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonFailed
	}
}
