package app

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUsernameExists    = errors.New("username already exists")
	ErrEmailExists       = errors.New("email already exists")
	ErrInvalidCredential = errors.New("invalid username or password")

	ErrDocumentNotFound = errors.New("document not found")
	ErrSessionNotFound  = errors.New("chat session not found")
	// ErrIngestInProgress: re-ingest was requested while a run is pending or
	// already processing; the caller should poll the status instead.
	ErrIngestInProgress = errors.New("document ingestion already in progress")
	// ErrTenantMismatch: the caller asked for a tenant scope inconsistent
	// with their own tenant. Surfaced, never silently corrected.
	ErrTenantMismatch = errors.New("tenant scope does not match caller's tenant")
	// ErrIngestEnqueue: the ingest job could not be queued.
	ErrIngestEnqueue = errors.New("ingest enqueue failed")
)
