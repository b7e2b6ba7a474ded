// Package securefs confines media file access to a single directory tree
// using os.Root, and serves files from it over HTTP.
package securefs

import (
	"github.com/phenolog/phenolog/internal/errors"
)

// Sentinel errors for the securefs package.
var (
	// ErrPathTraversal indicates a path that resolves outside the root
	ErrPathTraversal = errors.NewStd("security error: path attempts to traverse outside base directory")

	// ErrInvalidPath indicates an absolute or empty path where a relative one is required
	ErrInvalidPath = errors.NewStd("security error: invalid path specification")

	// ErrNotRegularFile indicates an attempt to serve something that is not a regular file
	ErrNotRegularFile = errors.NewStd("security error: not a regular file")

	// ErrFileTooLarge is returned when a file exceeds the configured read limit
	ErrFileTooLarge = errors.NewStd("file size exceeds maximum allowed size")
)
