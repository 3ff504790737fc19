package vfs

import "errors"

var (
	ErrNotFound        = errors.New("vfs: file not found")
	ErrPathExists      = errors.New("vfs: path already exists")
	ErrVersionMismatch = errors.New("vfs: version mismatch")
	ErrInvalidPath     = errors.New("vfs: invalid path")
	ErrFileTooLarge    = errors.New("vfs: file too large")
	ErrTooManyFiles    = errors.New("vfs: too many files")
	ErrUnknownOp       = errors.New("vfs: unknown operation")
	ErrInvalidBatch    = errors.New("vfs: invalid batch")
	ErrInvalidPattern  = errors.New("vfs: invalid pattern")
)

var codes = map[error]string{
	ErrNotFound:        "not_found",
	ErrPathExists:      "path_exists",
	ErrVersionMismatch: "version_mismatch",
	ErrInvalidPath:     "invalid_path",
	ErrFileTooLarge:    "file_too_large",
	ErrTooManyFiles:    "too_many_files",
	ErrUnknownOp:       "unknown_op",
	ErrInvalidBatch:    "invalid_batch",
	ErrInvalidPattern:  "invalid_pattern",
}

// Code maps an apply failure to a stable wire code; "" for nil, "internal" for anything else.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for e, c := range codes {
		if errors.Is(err, e) {
			return c
		}
	}
	return "internal"
}

// FromCode is the inverse of Code.
func FromCode(code string) error {
	if code == "" {
		return nil
	}
	for e, c := range codes {
		if c == code {
			return e
		}
	}
	return errors.New("vfs: " + code)
}
