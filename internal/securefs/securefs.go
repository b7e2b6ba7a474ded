package securefs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o644
)

// GetLogger returns the securefs module logger. It is fetched on every call
// so that a central logger installed after init is picked up.
func GetLogger() logger.Logger {
	return logger.Global().Module("securefs")
}

// SecureFS provides filesystem operations restricted to one base directory.
// Every path argument is slash separated and relative to that directory; the
// os.Root underneath rejects symlink and ".." escapes at the OS level.
type SecureFS struct {
	baseDir         string
	root            *os.Root
	maxReadFileSize int64
}

// New creates baseDir if needed and opens it as a sandboxed root
func New(baseDir string) (*SecureFS, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(absPath, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	root, err := os.OpenRoot(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem sandbox: %w", err)
	}
	return &SecureFS{baseDir: absPath, root: root}, nil
}

// BaseDir returns the absolute base directory
func (sfs *SecureFS) BaseDir() string {
	return sfs.baseDir
}

// ValidateRelativePath cleans relPath and rejects absolute paths and paths
// that climb above the root. The result uses the OS separator.
func (sfs *SecureFS) ValidateRelativePath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	cleaned := path.Clean(filepath.ToSlash(relPath))
	if path.IsAbs(cleaned) || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: path must be relative, got %q", ErrInvalidPath, relPath)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, relPath)
	}
	return filepath.FromSlash(cleaned), nil
}

// MkdirAll creates a directory and any missing parents. Existing directories are not an error.
func (sfs *SecureFS) MkdirAll(relPath string) error {
	p, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return err
	}
	if p == "." {
		return nil
	}
	return sfs.root.MkdirAll(p, dirPermissions)
}

// WriteFileAtomic writes data to relPath through a temp file in the same
// directory that is renamed into place.
func (sfs *SecureFS) WriteFileAtomic(relPath string, data []byte) error {
	return sfs.WriteAtomic(relPath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteAtomic streams write's output to relPath. The previous file, if any,
// stays in place unless write and the rename both succeed.
func (sfs *SecureFS) WriteAtomic(relPath string, write func(io.Writer) error) error {
	return sfs.WriteAtomicContext(context.Background(), relPath, write)
}

// WriteAtomicContext is WriteAtomic that abandons the write, leaving the
// previous file in place, when ctx is done before the rename.
func (sfs *SecureFS) WriteAtomicContext(ctx context.Context, relPath string, write func(io.Writer) error) error {
	p, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+"."+uuid.NewString()+".tmp")
	f, err := sfs.root.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			if rmErr := sfs.root.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				GetLogger().Warn("failed to remove temp file",
					logger.String("path", tmpPath),
					logger.Error(rmErr))
			}
		}
	}()

	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sfs.root.Rename(tmpPath, p); err != nil {
		return err
	}
	committed = true
	return nil
}

// SetMaxReadFileSize limits ReadFile. Zero means unlimited.
func (sfs *SecureFS) SetMaxReadFileSize(maxSize int64) {
	sfs.maxReadFileSize = maxSize
}

// ReadFile reads a whole file, honouring the configured size limit
func (sfs *SecureFS) ReadFile(relPath string) ([]byte, error) {
	f, err := sfs.Open(relPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			GetLogger().Warn("failed to close file", logger.Error(err))
		}
	}()

	if sfs.maxReadFileSize > 0 {
		stat, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if stat.Size() > sfs.maxReadFileSize {
			return nil, fmt.Errorf("%w: file is %d bytes, limit is %d bytes",
				ErrFileTooLarge, stat.Size(), sfs.maxReadFileSize)
		}
	}
	return io.ReadAll(f)
}

// Open opens a file for reading
func (sfs *SecureFS) Open(relPath string) (*os.File, error) {
	p, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return nil, err
	}
	return sfs.root.Open(p)
}

// Stat returns file info
func (sfs *SecureFS) Stat(relPath string) (fs.FileInfo, error) {
	p, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return nil, err
	}
	return sfs.root.Stat(p)
}

// Exists reports whether relPath exists. Validation errors are returned, not folded into false.
func (sfs *SecureFS) Exists(relPath string) (bool, error) {
	_, err := sfs.Stat(relPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadDirNames lists the entries of a directory in directory order. A
// missing directory yields no names.
func (sfs *SecureFS) ReadDirNames(relPath string) ([]string, error) {
	p, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return nil, err
	}
	f, err := sfs.root.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return f.Readdirnames(-1)
}

// Remove removes a file. A missing file is not an error.
func (sfs *SecureFS) Remove(relPath string) error {
	p, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return err
	}
	if err := sfs.root.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll removes a directory tree inside the root
func (sfs *SecureFS) RemoveAll(relPath string) error {
	p, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return err
	}
	if p == "." {
		return fmt.Errorf("%w: refusing to remove the root", ErrInvalidPath)
	}
	return sfs.root.RemoveAll(p)
}

// Close closes the underlying root
func (sfs *SecureFS) Close() error {
	if sfs.root != nil {
		return sfs.root.Close()
	}
	return nil
}

// mapOpenErrorToHTTP converts file open errors to HTTP errors
func mapOpenErrorToHTTP(err error, relPath string) *echo.HTTPError {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("File not found: %s", relPath))
	case errors.Is(err, fs.ErrPermission):
		return echo.NewHTTPError(http.StatusForbidden, "Access denied")
	case errors.Is(err, ErrPathTraversal), errors.Is(err, ErrInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid file path").SetInternal(err)
	default:
		// os.Root reports escapes as plain path errors
		if strings.Contains(err.Error(), "escapes") {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid file path").SetInternal(err)
		}
		GetLogger().Error("unhandled error serving file",
			logger.String("path", relPath),
			logger.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Error serving file").SetInternal(err)
	}
}

func getContentType(p string) string {
	contentType := mime.TypeByExtension(filepath.Ext(p))
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

// ServeRelativeFile writes the file at relPath to the response with range and
// conditional request support. Directories are refused.
func (sfs *SecureFS) ServeRelativeFile(c echo.Context, relPath string) error {
	f, err := sfs.Open(relPath)
	if err != nil {
		return mapOpenErrorToHTTP(err, relPath)
	}
	defer func() {
		if err := f.Close(); err != nil {
			GetLogger().Warn("failed to close file", logger.Error(err))
		}
	}()

	stat, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get file info").SetInternal(err)
	}
	if !stat.Mode().IsRegular() {
		return echo.NewHTTPError(http.StatusForbidden, "Not a regular file").SetInternal(ErrNotRegularFile)
	}

	if c.Response().Header().Get(echo.HeaderContentType) == "" {
		c.Response().Header().Set(echo.HeaderContentType, getContentType(relPath))
	}
	http.ServeContent(c.Response(), c.Request(), filepath.Base(relPath), stat.ModTime(), f)
	return nil
}
