// Package errors provides structured error handling for the foldermcp daemon.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk, cache)
//   - 3XX: Network errors (model download)
//   - 4XX: Validation errors (folder add, queries)
//   - 5XX: Internal errors (embedding, index)
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates network-related errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound   = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission = "ERR_103_CONFIG_PERMISSION"

	// IO errors (200-299)
	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission = "ERR_202_FILE_PERMISSION"
	ErrCodeDiskFull       = "ERR_203_DISK_FULL"
	ErrCodeFileTooLarge   = "ERR_204_FILE_TOO_LARGE"
	ErrCodeCorruptIndex   = "ERR_205_CORRUPT_INDEX"
	ErrCodeCorruptCache   = "ERR_206_CORRUPT_CACHE"
	ErrCodeFileReadRace   = "ERR_207_FILE_READ_RACE"
	ErrCodeFileWrite      = "ERR_208_FILE_WRITE"

	// Network errors (300-399)
	ErrCodeNetworkTimeout = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeModelDownload  = "ERR_302_MODEL_DOWNLOAD"

	// Validation errors (400-499)
	ErrCodeInvalidInput     = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidPath      = "ERR_402_INVALID_PATH"
	ErrCodeDuplicateFolder  = "ERR_403_DUPLICATE_FOLDER"
	ErrCodeSystemDirectory  = "ERR_404_SYSTEM_DIRECTORY"
	ErrCodeFolderConflict   = "ERR_405_FOLDER_CONFLICT"
	ErrCodeInvalidModel     = "ERR_406_INVALID_MODEL"
	ErrCodeUnsupportedFile  = "ERR_407_UNSUPPORTED_FILE"
	ErrCodeQueryEmpty       = "ERR_408_QUERY_EMPTY"
	ErrCodeDimensionMismatch = "ERR_409_DIMENSION_MISMATCH"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed  = "ERR_504_CHUNKING_FAILED"
	ErrCodeIndexFailed     = "ERR_505_INDEX_FAILED"
	ErrCodeParseFailed     = "ERR_506_PARSE_FAILED"
	ErrCodeWorkerCrashed   = "ERR_507_WORKER_CRASHED"

	// ErrCodeTooManyFailures marks a folder whose task queue hit the
	// consecutive-failure limit; the folder drops to the error state.
	ErrCodeTooManyFailures = "ERR_508_TOO_MANY_FAILURES"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeDiskFull, ErrCodeConfigInvalid:
		return SeverityFatal
	case ErrCodeFileNotFound, ErrCodeFilePermission, ErrCodeUnsupportedFile:
		return SeverityWarning
	}

	if categoryFromCode(code) == CategoryValidation {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode reports whether an operation failing with this code may be
// retried locally. These are the transient failures of the task pipeline.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingFailed, ErrCodeFileReadRace, ErrCodeParseFailed,
		ErrCodeWorkerCrashed, ErrCodeNetworkTimeout:
		return true
	}
	return false
}
