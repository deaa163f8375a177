package server

import "errors"

var (
	ErrUploadRejected   = errors.New("upload rejected")
	ErrArtifactNotFound = errors.New("file not found")
	ErrSessionActive    = errors.New("a video is already being processed")
	ErrNoSession        = errors.New("detector not initialized")
	ErrServerClosed     = errors.New("server is shutting down")
)

// uploadError carries the client-facing reason for a rejected upload.
type uploadError struct {
	reason string
}

func (e *uploadError) Error() string { return e.reason }
func (e *uploadError) Unwrap() error { return ErrUploadRejected }

func rejectUpload(reason string) error {
	return &uploadError{reason: reason}
}
