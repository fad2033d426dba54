package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrValidation       = errors.New("validation failed")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrStorageFailure   = errors.New("storage failure")
	ErrRemoteSubmission = errors.New("remote submission failed")
	ErrRemoteStatus     = errors.New("remote status check failed")
	ErrMalformedPayload = errors.New("malformed payload")
)
