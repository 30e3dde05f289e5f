package ingest

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingCollaborator = errors.New("collaborator is required")
	errMissingPayload      = errors.New("delta payload is required")
	errMissingNextBatch    = errors.New("delta carries no next batch token")
)

// ServiceError carries a stable <operation>.<reason> code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opOrchestratorNew = "ingest.orchestrator.new"
	opApplyDelta      = "ingest.apply_delta"
	opLatestToken     = "ingest.latest_token"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
