package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// PreviewStore hands out preview handles for selected files. Every handle
// must be released once its file leaves the draft.
type PreviewStore interface {
	Create(name string, open func() (io.ReadCloser, error)) (string, error)
	Release(handle string)
}

// TempPreviews materialises previews as files in a scratch directory, named
// by UUID so uploads never collide.
type TempPreviews struct {
	dir   string
	owned bool

	mu   sync.Mutex
	live map[string]struct{}
}

// NewTempPreviews uses dir, or a fresh temporary directory when dir is empty.
func NewTempPreviews(dir string) (*TempPreviews, error) {
	owned := dir == ""
	var err error
	if owned {
		dir, err = os.MkdirTemp("", "qr-previews-*")
	} else {
		err = os.MkdirAll(dir, 0o700)
	}
	if err != nil {
		return nil, fmt.Errorf("create preview dir: %w", err)
	}
	return &TempPreviews{dir: dir, owned: owned, live: make(map[string]struct{})}, nil
}

// Create copies the file into the preview directory and returns its path.
func (p *TempPreviews) Create(name string, open func() (io.ReadCloser, error)) (string, error) {
	if open == nil {
		return "", fmt.Errorf("preview %q: no content", name)
	}
	src, err := open()
	if err != nil {
		return "", fmt.Errorf("open %q: %w", name, err)
	}
	defer src.Close()

	path := filepath.Join(p.dir, uuid.New().String()+filepath.Ext(name))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create preview: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("write preview: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close preview: %w", err)
	}

	p.mu.Lock()
	p.live[path] = struct{}{}
	p.mu.Unlock()
	return path, nil
}

// Release deletes the preview. Unknown handles are ignored.
func (p *TempPreviews) Release(handle string) {
	p.mu.Lock()
	_, ok := p.live[handle]
	delete(p.live, handle)
	p.mu.Unlock()
	if ok {
		_ = os.Remove(handle)
	}
}

// Live returns how many previews are currently held.
func (p *TempPreviews) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Close releases every preview, and removes the directory when
// NewTempPreviews created it.
func (p *TempPreviews) Close() error {
	p.mu.Lock()
	handles := make([]string, 0, len(p.live))
	for h := range p.live {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		p.Release(h)
	}
	if !p.owned {
		return nil
	}
	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("remove preview dir: %w", err)
	}
	return nil
}
