// Package storage persists uploaded snap images on the local filesystem.
//
// Files live under one subdirectory per scope (the owning device id) and are
// named after the capture time at second precision plus the extension of the
// format detected from the bytes themselves:
//
//	<root>/<scope>/<YYYY_MM_DD_HH_MM_SS>.<ext>
//
// Callers only ever see paths relative to the root.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/birdsnap/internal/logging"
)

// TimestampLayout is the filename layout of stored images.
const TimestampLayout = "2006_01_02_15_04_05"

// sniffLen is how many leading bytes are inspected for format detection.
const sniffLen = 3072

var (
	// ErrBadFileType means the uploaded bytes are not a supported image format.
	ErrBadFileType = errors.New("unsupported image file type")
	// ErrUnknownPath means no stored file exists for the given relative path.
	ErrUnknownPath = errors.New("unknown image path")
	// ErrInvalidScope means the scope id cannot be used as a directory name.
	ErrInvalidScope = errors.New("invalid storage scope")
)

// supported maps sniffed MIME types to the extension used on disk.
var supported = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// Storage is a device-scoped image store rooted at a directory.
type Storage struct {
	root   string
	logger *zap.Logger
}

// New creates the root directory if needed and returns a Storage rooted there.
func New(root string, logger *zap.Logger) (*Storage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, logging.NewOperationError("storage.new", root, err)
	}
	info, err := os.Stat(abs)
	switch {
	case err == nil && !info.IsDir():
		return nil, logging.NewOperationError("storage.new", root, errors.New("path is a file"))
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, logging.NewOperationError("storage.new", root, err)
		}
	case err != nil:
		return nil, logging.NewOperationError("storage.new", root, err)
	}
	return &Storage{root: abs, logger: logger.Named("storage")}, nil
}

// Root returns the absolute storage root.
func (s *Storage) Root() string {
	return s.root
}

// Save sniffs the content of src, rejects anything that is not jpeg or png with
// ErrBadFileType, and writes the full stream below the scope directory.
// It returns the path relative to the storage root.
//
// Two saves for the same scope within the same second share a filename; the
// later one replaces the earlier file.
func (s *Storage) Save(scope string, src io.Reader, takenAt time.Time) (string, error) {
	if err := validateScope(scope); err != nil {
		return "", logging.NewOperationError("storage.save", scope, err)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", logging.NewOperationError("storage.save", scope, fmt.Errorf("read upload: %w", err))
	}
	head = head[:n]

	ext, ok := detectExtension(head)
	if !ok {
		return "", logging.NewOperationError("storage.save", scope, ErrBadFileType)
	}

	dir := filepath.Join(s.root, scope)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", logging.NewOperationError("storage.save", scope, err)
	}

	name := takenAt.UTC().Format(TimestampLayout) + "." + ext
	target := filepath.Join(dir, name)
	if err := writeFile(target, io.MultiReader(bytes.NewReader(head), src)); err != nil {
		return "", logging.NewOperationError("storage.save", scope, err)
	}

	rel := filepath.ToSlash(filepath.Join(scope, name))
	s.logger.Debug("image stored", zap.String("path", rel))
	return rel, nil
}

// Read resolves a relative path to an absolute path of an existing file.
func (s *Storage) Read(relPath string) (string, error) {
	abs, err := s.resolve(relPath)
	if err != nil {
		return "", logging.NewOperationError("storage.read", relPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", logging.NewOperationError("storage.read", relPath, ErrUnknownPath)
	}
	return abs, nil
}

// Open resolves relPath and opens the file for reading.
func (s *Storage) Open(relPath string) (io.ReadCloser, error) {
	abs, err := s.Read(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, logging.NewOperationError("storage.open", relPath, ErrUnknownPath)
	}
	return f, nil
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (s *Storage) Remove(relPath string) error {
	abs, err := s.resolve(relPath)
	if err != nil {
		return logging.NewOperationError("storage.remove", relPath, err)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return logging.NewOperationError("storage.remove", relPath, err)
	}
	s.logger.Debug("image removed", zap.String("path", relPath))
	return nil
}

// ContentType returns the MIME type implied by a stored path's extension.
func ContentType(relPath string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(relPath))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// resolve joins relPath under the root and refuses anything that escapes it.
func (s *Storage) resolve(relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", ErrUnknownPath
	}
	abs := filepath.Join(s.root, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", ErrUnknownPath
	}
	return abs, nil
}

// detectExtension walks from the sniffed type up through its parents so that
// subtypes such as animated PNG map to their base format.
func detectExtension(head []byte) (string, bool) {
	for m := mimetype.Detect(head); m != nil; m = m.Parent() {
		if ext, ok := supported[m.String()]; ok {
			return ext, true
		}
	}
	return "", false
}

func validateScope(scope string) error {
	if scope == "" || scope == "." || scope == ".." || strings.ContainsAny(scope, `/\`) {
		return ErrInvalidScope
	}
	return nil
}

// writeFile streams r into a temp file next to target and renames it into place.
func writeFile(target string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, target)
}
