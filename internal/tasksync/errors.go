package tasksync

import "errors"

// Errors that abort a whole call. Per-item failures never surface as errors;
// they are reported as conflicts.
var (
	ErrInvalidBatch      = errors.New("invalid batch")
	ErrBatchTooLarge     = errors.New("batch exceeds maximum size")
	ErrInvalidResolution = errors.New("invalid conflict resolution")
	ErrMissingClientID   = errors.New("client_id is required")
	ErrMissingClientData = errors.New("todo_data is required for use_client")
)
