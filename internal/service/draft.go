package service

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/stemsi/exstem-qr/internal/config"
	"github.com/stemsi/exstem-qr/internal/model"
)

// Limits bounds what one question accepts.
type Limits struct {
	MaxFiles     int
	MaxFileBytes int64
	MaxAttempts  int
}

// DefaultLimits returns 10 files of up to 5 MiB each and 5 attempts.
func DefaultLimits() Limits {
	return Limits{MaxFiles: 10, MaxFileBytes: 5 << 20, MaxAttempts: 5}
}

// LimitsFromConfig reads the limits from cfg, falling back to the defaults
// for unset values.
func LimitsFromConfig(cfg *config.Config) Limits {
	l := DefaultLimits()
	if cfg.MaxFiles > 0 {
		l.MaxFiles = cfg.MaxFiles
	}
	if cfg.MaxFileBytes > 0 {
		l.MaxFileBytes = cfg.MaxFileBytes
	}
	if cfg.MaxAttempts > 0 {
		l.MaxAttempts = cfg.MaxAttempts
	}
	return l
}

// Candidate is a file offered to the draft.
type Candidate struct {
	Name        string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// FromBytes wraps in-memory content. The type is sniffed on add.
func FromBytes(name string, data []byte) Candidate {
	return Candidate{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FromPath wraps a file on disk.
func FromPath(path string) (Candidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Candidate{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Candidate{}, fmt.Errorf("%s is a directory", path)
	}
	return Candidate{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FromHeader wraps a multipart upload.
func FromHeader(fh *multipart.FileHeader) Candidate {
	return Candidate{
		Name:        fh.Filename,
		Size:        fh.Size,
		ContentType: fh.Header.Get("Content-Type"),
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// AddResult reports what AddFiles did. Rejected counts files of a
// disallowed kind or size; Overflow counts valid files beyond the cap.
type AddResult struct {
	Added    []model.SelectedFile `json:"added"`
	Rejected int                  `json:"rejected"`
	Overflow int                  `json:"overflow"`
	Message  string               `json:"message,omitempty"`
}

// Err returns the sentinel for the worst problem, or nil when every file was added.
func (r AddResult) Err() error {
	switch {
	case r.Overflow > 0:
		return ErrTooManyFiles
	case r.Rejected > 0:
		return ErrFileRejected
	}
	return nil
}

// Draft is the answer being composed. It is safe for concurrent use.
type Draft struct {
	limits   Limits
	previews PreviewStore

	mu    sync.Mutex
	files []model.SelectedFile
	text  string
}

// NewDraft creates an empty draft. previews may be nil.
func NewDraft(limits Limits, previews PreviewStore) *Draft {
	return &Draft{limits: limits, previews: previews}
}

// AddFiles appends every acceptable candidate. Files that fail the kind or
// size check never change the draft; valid files past the cap are refused
// rather than truncated silently.
func (d *Draft) AddFiles(candidates []Candidate) AddResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res AddResult
	for _, c := range candidates {
		kind, contentType, ok := d.accept(c)
		if !ok {
			res.Rejected++
			continue
		}
		if len(d.files) >= d.limits.MaxFiles {
			res.Overflow++
			continue
		}

		f := model.SelectedFile{
			ID:          uuid.New().String(),
			Name:        c.Name,
			Size:        c.Size,
			ContentType: contentType,
			Kind:        kind,
			Open:        c.Open,
		}
		if d.previews != nil {
			if handle, err := d.previews.Create(c.Name, c.Open); err == nil {
				f.Preview = handle
			}
		}
		d.files = append(d.files, f)
		res.Added = append(res.Added, f)
	}

	res.Message = d.describe(res)
	return res
}

// RemoveFile drops the file with id and releases its preview.
func (d *Draft) RemoveFile(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, f := range d.files {
		if f.ID != id {
			continue
		}
		d.release(f)
		d.files = append(d.files[:i], d.files[i+1:]...)
		return true
	}
	return false
}

// SetText replaces the free-text answer.
func (d *Draft) SetText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
}

// Text returns the free-text answer.
func (d *Draft) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// Files returns a copy of the selected files.
func (d *Draft) Files() []model.SelectedFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.SelectedFile, len(d.files))
	copy(out, d.files)
	return out
}

// Len returns the number of selected files.
func (d *Draft) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}

// IsEmpty reports whether there is nothing to submit.
func (d *Draft) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files) == 0 && strings.TrimSpace(d.text) == ""
}

// Clear empties the draft and releases every preview.
func (d *Draft) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.files {
		d.release(f)
	}
	d.files = nil
	d.text = ""
}

// Limits returns the limits the draft enforces.
func (d *Draft) Limits() Limits {
	return d.limits
}

func (d *Draft) contents() ([]model.SelectedFile, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	files := make([]model.SelectedFile, len(d.files))
	copy(files, d.files)
	return files, d.text
}

func (d *Draft) release(f model.SelectedFile) {
	if d.previews != nil && f.Preview != "" {
		d.previews.Release(f.Preview)
	}
}

func (d *Draft) accept(c Candidate) (model.FileKind, string, bool) {
	if c.Size > d.limits.MaxFileBytes || c.Size < 0 {
		return "", "", false
	}
	contentType := baseType(c.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = sniff(c)
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return model.FileKindImage, contentType, true
	case contentType == "application/pdf":
		return model.FileKindPDF, contentType, true
	}
	return "", "", false
}

func (d *Draft) describe(res AddResult) string {
	var parts []string
	if res.Rejected > 0 {
		parts = append(parts, fmt.Sprintf("%d file(s) rejected: only images or PDFs up to %d MB are allowed",
			res.Rejected, d.limits.MaxFileBytes>>20))
	}
	if res.Overflow > 0 {
		parts = append(parts, fmt.Sprintf("%d file(s) not added: you can attach at most %d files",
			res.Overflow, d.limits.MaxFiles))
	}
	return strings.Join(parts, ". ")
}

func baseType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}

// sniff detects the type from content when none was declared.
func sniff(c Candidate) string {
	if c.Open == nil {
		return ""
	}
	r, err := c.Open()
	if err != nil {
		return ""
	}
	defer r.Close()

	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return ""
	}
	return baseType(mt.String())
}
