// Package storage keeps generated task images on the local filesystem.
// Every task owns one directory under history/ holding its page images and
// a thumb_ prefixed thumbnail per page.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"redink/server/internal/domain"
	"redink/server/internal/generation"
	"redink/server/internal/infra"
)

var _ generation.ArtifactStore = (*FileStore)(nil)

const (
	historyDir  = "history"
	thumbPrefix = "thumb_"

	thumbMaxWidth    = 480
	jpegThumbQuality = 80

	// pageOrderLast places files without a numeric stem after every real
	// page when sorting a task directory.
	pageOrderLast = 999
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// ErrInvalidSegment rejects path pieces that could escape the storage root.
var ErrInvalidSegment = errors.New("storage: invalid path segment")

// ValidateSegment checks a single path piece, a task id or a filename, for
// traversal attempts. Segments never contain separators.
func ValidateSegment(segment string) error {
	if segment == "" || segment == "." || segment == ".." {
		return ErrInvalidSegment
	}
	if strings.ContainsAny(segment, `/\`) || strings.ContainsRune(segment, 0) {
		return ErrInvalidSegment
	}
	return nil
}

// AllowedExt reports whether the filename carries a servable image extension.
func AllowedExt(filename string) bool {
	return imageExts[strings.ToLower(filepath.Ext(filename))]
}

// FileStore persists task images onto the local filesystem. It is what the
// generation job sees as its artifact store and what the image routes serve
// from.
type FileStore struct {
	basePath string
	logger   *infra.Logger
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string, logger *infra.Logger) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(filepath.Join(basePath, historyDir), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &FileStore{basePath: basePath, logger: logger}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// SavePage writes one page image and its thumbnail and returns the storage
// key plus the URL clients fetch the image from. A failed thumbnail never
// fails the page; the UI falls back to the full image.
func (s *FileStore) SavePage(ctx context.Context, taskID string, pageIndex int, data []byte, mime string) (string, string, error) {
	if s == nil {
		return "", "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if err := ValidateSegment(taskID); err != nil {
		return "", "", fmt.Errorf("storage: task id %q: %w", taskID, err)
	}
	if pageIndex < 0 {
		return "", "", fmt.Errorf("storage: negative page index %d", pageIndex)
	}
	if len(data) == 0 {
		return "", "", errors.New("storage: empty image data")
	}

	filename := strconv.Itoa(pageIndex) + extForMIME(mime)
	dir := filepath.Join(s.basePath, historyDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("storage: ensure task directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o644); err != nil {
		return "", "", fmt.Errorf("storage: write page image: %w", err)
	}

	if thumb, err := thumbnail(data); err != nil {
		s.logger.Warn().
			Err(err).
			Str("task_id", taskID).
			Int("page_index", pageIndex).
			Msg("thumbnail skipped")
	} else if err := os.WriteFile(filepath.Join(dir, thumbPrefix+filename), thumb, 0o644); err != nil {
		s.logger.Warn().
			Err(err).
			Str("task_id", taskID).
			Int("page_index", pageIndex).
			Msg("thumbnail write failed")
	}

	return path.Join(historyDir, taskID, filename), "/api/images/" + taskID + "/" + filename, nil
}

// Read returns the bytes of one stored task image.
func (s *FileStore) Read(ctx context.Context, taskID, filename string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSegment(taskID); err != nil {
		return nil, fmt.Errorf("storage: task id %q: %w", taskID, err)
	}
	if err := ValidateSegment(filename); err != nil {
		return nil, fmt.Errorf("storage: filename %q: %w", filename, err)
	}

	data, err := os.ReadFile(filepath.Join(s.basePath, historyDir, taskID, filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %s/%s: %w", taskID, filename, err)
	}
	return data, nil
}

// Delete removes one stored image together with its thumbnail.
func (s *FileStore) Delete(ctx context.Context, taskID, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSegment(taskID); err != nil {
		return fmt.Errorf("storage: task id %q: %w", taskID, err)
	}
	if err := ValidateSegment(filename); err != nil {
		return fmt.Errorf("storage: filename %q: %w", filename, err)
	}

	dir := filepath.Join(s.basePath, historyDir, taskID)
	if err := os.Remove(filepath.Join(dir, filename)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("storage: delete %s/%s: %w", taskID, filename, err)
	}
	if !strings.HasPrefix(filename, thumbPrefix) {
		// The thumbnail may never have been written.
		_ = os.Remove(filepath.Join(dir, thumbPrefix+filename))
	}
	return nil
}

// RemoveDir deletes a task's whole image directory. A missing directory is
// not an error.
func (s *FileStore) RemoveDir(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSegment(taskID); err != nil {
		return fmt.Errorf("storage: task id %q: %w", taskID, err)
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, historyDir, taskID)); err != nil {
		return fmt.Errorf("storage: remove task directory %s: %w", taskID, err)
	}
	return nil
}

// PageFiles lists a task's page images sorted by page index, thumbnails
// excluded.
func (s *FileStore) PageFiles(ctx context.Context, taskID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSegment(taskID); err != nil {
		return nil, fmt.Errorf("storage: task id %q: %w", taskID, err)
	}

	entries, err := os.ReadDir(filepath.Join(s.basePath, historyDir, taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("storage: list task %s: %w", taskID, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, thumbPrefix) || !AllowedExt(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := pageOrder(names[i]), pageOrder(names[j])
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
	return names, nil
}

// TaskDirs lists every task directory currently on disk, sorted by name.
func (s *FileStore) TaskDirs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.basePath, historyDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list task directories: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// pageOrder extracts the numeric stem a task filename sorts by.
func pageOrder(name string) int {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	n, err := strconv.Atoi(stem)
	if err != nil {
		return pageOrderLast
	}
	return n
}

func extForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	default:
		return ".png"
	}
}

// thumbnail downscales an image to at most thumbMaxWidth via nearest
// neighbor, keeping the source format. Images already small enough are
// reused as-is.
func thumbnail(data []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	b := src.Bounds()
	if b.Dx() <= thumbMaxWidth {
		return data, nil
	}
	h := b.Dy() * thumbMaxWidth / b.Dx()
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, thumbMaxWidth, h))
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < thumbMaxWidth; x++ {
			sx := b.Min.X + x*b.Dx()/thumbMaxWidth
			dst.Set(x, y, src.At(sx, sy))
		}
	}

	buf := &bytes.Buffer{}
	if format == "jpeg" {
		err = jpeg.Encode(buf, dst, &jpeg.Options{Quality: jpegThumbQuality})
	} else {
		err = png.Encode(buf, dst)
	}
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}
