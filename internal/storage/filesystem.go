package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// locationPattern matches locations issued by newLocation: two fan-out
// directories followed by a 32-char hex blob id.
var locationPattern = regexp.MustCompile(`^[0-9a-f]{2}/[0-9a-f]{2}/[0-9a-f]{32}$`)

// FilesystemBackend stores blobs on the local filesystem under
// store-issued locations of the form "ab/cd/<id>". The two-level fan-out
// keeps individual directories small regardless of object count.
type FilesystemBackend struct {
	rootPath string
	tempPath string
	config   Config
	logger   *logrus.Logger
}

// NewFilesystemBackend creates a new filesystem storage backend.
func NewFilesystemBackend(config Config) (*FilesystemBackend, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	// Temp files live on the same filesystem so the final rename is atomic.
	tempPath := filepath.Join(config.Root, ".tmp")
	if err := os.MkdirAll(tempPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &FilesystemBackend{
		rootPath: config.Root,
		tempPath: tempPath,
		config:   config,
		logger:   logrus.StandardLogger(),
	}, nil
}

// SetLogger replaces the backend logger. Used by the composition root so
// all components share one configured logger.
func (fs *FilesystemBackend) SetLogger(logger *logrus.Logger) {
	if logger != nil {
		fs.logger = logger
	}
}

// newLocation issues a fresh opaque location for a blob about to be written.
func newLocation() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s/%s/%s", id[0:2], id[2:4], id)
}

// Put streams data to a temp file while hashing, fsyncs, and atomically
// renames into a freshly issued location. On any failure the temp file is
// removed, so a failed Put never leaves a retrievable location.
func (fs *FilesystemBackend) Put(ctx context.Context, data io.Reader) (*PutResult, error) {
	retries := fs.config.WriteRetries
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		result, err := fs.putOnce(ctx, data)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// ErrStorageFull is not transient; retrying only burns time.
		// Retrying is also pointless once the reader has been partially
		// consumed, so only the first attempt's failure before any bytes
		// were read is retried.
		if errors.Is(err, ErrStorageFull) || !errors.Is(err, errRetryable) {
			break
		}
		fs.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retrying blob write")
	}
	return nil, lastErr
}

// errRetryable tags a putOnce failure that happened before any data was
// consumed from the caller's reader.
var errRetryable = errors.New("retryable")

func (fs *FilesystemBackend) putOnce(ctx context.Context, data io.Reader) (*PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(fs.tempPath, "put-*")
	if err != nil {
		return nil, fs.classify("create temp file", fmt.Errorf("%w: %w", errRetryable, err))
	}
	tempName := tempFile.Name()
	cleanup := func() {
		tempFile.Close()
		os.Remove(tempName)
	}

	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(tempFile, hasher), data)
	if err != nil {
		cleanup()
		return nil, fs.classify("write blob data", err)
	}

	if err := tempFile.Sync(); err != nil {
		cleanup()
		return nil, fs.classify("sync blob data", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return nil, fs.classify("close blob data", err)
	}

	location := newLocation()
	fullPath := fs.fullPath(location)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		os.Remove(tempName)
		return nil, fs.classify("create blob directory", err)
	}

	// Atomic publish: the blob is only addressable after the rename.
	if err := os.Rename(tempName, fullPath); err != nil {
		os.Remove(tempName)
		return nil, fs.classify("publish blob", err)
	}
	fs.syncDir(filepath.Dir(fullPath))

	result := &PutResult{
		Location: location,
		ETag:     hex.EncodeToString(hasher.Sum(nil)),
		Size:     size,
	}

	fs.logger.WithFields(logrus.Fields{
		"location": result.Location,
		"size":     result.Size,
		"etag":     result.ETag,
	}).Debug("Blob written")

	return result, nil
}

// Get opens the blob at location.
func (fs *FilesystemBackend) Get(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := validateLocation(location); err != nil {
		return nil, err
	}

	file, err := os.Open(fs.fullPath(location))
	if os.IsNotExist(err) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, fs.classify("open blob", err)
	}
	return file, nil
}

// GetRange opens a byte range of the blob. length < 0 reads to the end.
func (fs *FilesystemBackend) GetRange(ctx context.Context, location string, offset, length int64) (io.ReadCloser, error) {
	if err := validateLocation(location); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidLocation)
	}

	file, err := os.Open(fs.fullPath(location))
	if os.IsNotExist(err) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, fs.classify("open blob", err)
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, fs.classify("seek blob", err)
	}

	if length < 0 {
		return file, nil
	}
	return &limitedReadCloser{Reader: io.LimitReader(file, length), closer: file}, nil
}

// Stat reports existence and size of a blob.
func (fs *FilesystemBackend) Stat(ctx context.Context, location string) (*BlobInfo, error) {
	if err := validateLocation(location); err != nil {
		return nil, err
	}

	info, err := os.Stat(fs.fullPath(location))
	if os.IsNotExist(err) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, fs.classify("stat blob", err)
	}
	return &BlobInfo{Location: location, Size: info.Size()}, nil
}

// Verify re-reads the blob and compares the computed digest to etag.
func (fs *FilesystemBackend) Verify(ctx context.Context, location, etag string) error {
	reader, err := fs.Get(ctx, location)
	if err != nil {
		return err
	}
	defer reader.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return fs.classify("read blob for verify", err)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if computed != etag {
		return fmt.Errorf("%w: stored %s computed %s", ErrDigestMismatch, etag, computed)
	}
	return nil
}

// Delete removes a blob. Deleting a non-existent location is a no-op.
func (fs *FilesystemBackend) Delete(ctx context.Context, location string) error {
	if err := validateLocation(location); err != nil {
		return err
	}

	err := os.Remove(fs.fullPath(location))
	if err != nil && !os.IsNotExist(err) {
		return fs.classify("delete blob", err)
	}
	return nil
}

// Close closes the filesystem backend and removes leftover temp files.
func (fs *FilesystemBackend) Close() error {
	entries, err := os.ReadDir(fs.tempPath)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		os.Remove(filepath.Join(fs.tempPath, entry.Name()))
	}
	return nil
}

// Helper methods

func validateLocation(location string) error {
	if !locationPattern.MatchString(location) {
		return fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return nil
}

func (fs *FilesystemBackend) fullPath(location string) string {
	return filepath.Join(fs.rootPath, filepath.FromSlash(location))
}

// classify wraps a filesystem error into the storage error taxonomy.
// ENOSPC and EDQUOT surface as ErrStorageFull, everything else as ErrIO.
func (fs *FilesystemBackend) classify(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageFull, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// syncDir fsyncs a directory so a just-renamed blob survives a crash.
func (fs *FilesystemBackend) syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		fs.logger.WithError(err).WithField("dir", dir).Debug("Directory sync failed")
	}
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error {
	return l.closer.Close()
}
