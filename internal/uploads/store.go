// Package uploads stores uploaded images on local disk under per-question, per-purpose
// directories. Files get UUID names, so concurrent writers never collide.
package uploads

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
)

// Purpose separates training images from test images.
type Purpose string

const (
	PurposeTraining Purpose = "training"
	PurposeTest     Purpose = "test"
	PurposeCompare  Purpose = "compare"
)

var (
	ErrUnsupportedType = errors.NewStd("unsupported image file type")
	ErrTooLarge        = errors.NewStd("image file too large")
	ErrDiskFull        = errors.NewStd("disk usage above configured limit")
	ErrOutsideRoot     = errors.NewStd("path is outside the upload directory")
)

// File is a stored upload.
type File struct {
	// Name is the original file name.
	Name string
	// Path is where the file was written.
	Path string
	Size int64
}

// UsageFunc returns the used percentage of the filesystem holding path.
type UsageFunc func(path string) (float64, error)

// Store writes uploads below a root directory opened with os.Root.
type Store struct {
	root       *os.Root
	dir        string
	maxUsage   float64
	maxSize    int64
	extensions []string
	usage      UsageFunc
	log        logger.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithUsageFunc replaces the disk usage probe.
func WithUsageFunc(f UsageFunc) Option {
	return func(s *Store) { s.usage = f }
}

// New opens (and creates) the upload root.
func New(settings *conf.StorageSettings, log logger.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	dir, err := filepath.Abs(settings.UploadRoot)
	if err != nil {
		return nil, fileError(err, "resolve_root").Build()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fileError(err, "create_root").Context("path", dir).Build()
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fileError(err, "open_root").Context("path", dir).Build()
	}

	s := &Store{
		root:     root,
		dir:      dir,
		maxUsage: settings.MaxDiskUsage,
		maxSize:  settings.MaxFileSize,
		usage:    diskUsage,
		log:      log.Module("uploads"),
	}
	for _, ext := range settings.AllowedExtensions {
		s.extensions = append(s.extensions, strings.ToLower(ext))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func diskUsage(path string) (float64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// Close releases the root handle.
func (s *Store) Close() error {
	return s.root.Close()
}

// Root returns the absolute upload directory.
func (s *Store) Root() string {
	return s.dir
}

// Save writes r as a new file for questionID. The extension of name must be allowed and
// the content must not exceed the configured size.
func (s *Store) Save(questionID uint, purpose Purpose, name string, r io.Reader) (File, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if len(s.extensions) > 0 && !slices.Contains(s.extensions, ext) {
		return File{}, errors.New(fmt.Errorf("%w: %q", ErrUnsupportedType, ext)).
			Component("uploads").
			Category(errors.CategoryValidation).
			Context("file_name", name).
			Build()
	}
	if err := s.checkDisk(); err != nil {
		return File{}, err
	}

	rel := filepath.Join(questionDir(questionID), string(purpose))
	if err := s.root.MkdirAll(rel, 0o750); err != nil {
		return File{}, fileError(err, "create_dir").Context("dir", rel).Build()
	}
	rel = filepath.Join(rel, uuid.NewString()+ext)

	f, err := s.root.OpenFile(rel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return File{}, fileError(err, "create_file").Build()
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(f, src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = errors.New(fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxSize)).
			Component("uploads").
			Category(errors.CategoryValidation).
			Context("file_name", name).
			Build()
	}
	if err != nil {
		_ = s.root.Remove(rel)
		if errors.Is(err, ErrTooLarge) {
			return File{}, err
		}
		return File{}, fileError(err, "write_file").Build()
	}

	file := File{Name: filepath.Base(name), Path: filepath.Join(s.dir, rel), Size: n}
	s.log.Debug("upload stored",
		logger.Uint("question_id", questionID),
		logger.String("purpose", string(purpose)),
		logger.String("path", file.Path),
		logger.Int64("bytes", n))
	return file, nil
}

func (s *Store) checkDisk() error {
	if s.maxUsage <= 0 || s.usage == nil {
		return nil
	}
	used, err := s.usage(s.dir)
	if err != nil {
		// an unreadable probe must not block uploads
		s.log.Warn("disk usage check failed", logger.Error(err))
		return nil
	}
	if used >= s.maxUsage {
		return errors.New(fmt.Errorf("%w: %.1f%% used, limit %.1f%%", ErrDiskFull, used, s.maxUsage)).
			Component("uploads").
			Category(errors.CategoryDiskUsage).
			Build()
	}
	return nil
}

// ReadFile returns the content of a stored file.
func (s *Store) ReadFile(path string) ([]byte, error) {
	rel, err := s.relative(path)
	if err != nil {
		return nil, err
	}
	data, err := s.root.ReadFile(rel)
	if err != nil {
		return nil, fileError(err, "read_file").Context("path", path).Build()
	}
	return data, nil
}

// Open opens a stored file for reading.
func (s *Store) Open(path string) (*os.File, error) {
	rel, err := s.relative(path)
	if err != nil {
		return nil, err
	}
	f, err := s.root.Open(rel)
	if err != nil {
		return nil, fileError(err, "open_file").Context("path", path).Build()
	}
	return f, nil
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (s *Store) Remove(path string) error {
	rel, err := s.relative(path)
	if err != nil {
		return err
	}
	if err := s.root.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fileError(err, "remove_file").Context("path", path).Build()
	}
	return nil
}

// RemoveQuestion deletes every file stored for a question.
func (s *Store) RemoveQuestion(questionID uint) error {
	if err := s.root.RemoveAll(questionDir(questionID)); err != nil {
		return fileError(err, "remove_question_dir").Context("question_id", questionID).Build()
	}
	return nil
}

// relative maps an absolute or root-relative path to a local path inside the root.
func (s *Store) relative(path string) (string, error) {
	rel := path
	if filepath.IsAbs(path) {
		var err error
		if rel, err = filepath.Rel(s.dir, path); err != nil {
			return "", s.outside(path)
		}
	}
	if !filepath.IsLocal(rel) {
		return "", s.outside(path)
	}
	return rel, nil
}

func (s *Store) outside(path string) error {
	return errors.New(fmt.Errorf("%w: %s", ErrOutsideRoot, path)).
		Component("uploads").
		Category(errors.CategoryValidation).
		Context("root", s.dir).
		Build()
}

func questionDir(questionID uint) string {
	return filepath.Join("questions", strconv.FormatUint(uint64(questionID), 10))
}

func fileError(err error, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("uploads").
		Category(errors.CategoryFileIO).
		Context("operation", operation)
}
