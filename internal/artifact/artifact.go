// Package artifact manages the per-request temporary files that back streamed responses.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// File is a spooled temporary file. Release removes it and is safe to call more than once.
type File struct {
	Path string
	Size int64

	logger   *zap.Logger
	released bool
}

// Spool writes the output of fn into a new temporary file in dir. The name
// embeds requestID so concurrent requests never collide. On failure the file
// is already removed and File is nil.
func Spool(dir, requestID string, logger *zap.Logger, fn func(w io.Writer) error) (*File, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	pattern := fmt.Sprintf("smile-%s-*.jpg", sanitize(requestID))
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	spooled := &File{Path: f.Name(), logger: logger}
	if err := fn(f); err != nil {
		_ = f.Close()
		spooled.Release()
		return nil, err
	}
	info, err := f.Stat()
	if err == nil {
		spooled.Size = info.Size()
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		spooled.Release()
		return nil, fmt.Errorf("finalize temp file: %w", err)
	}
	return spooled, nil
}

// Release deletes the file.
func (f *File) Release() {
	if f == nil || f.released {
		return
	}
	f.released = true
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) && f.logger != nil {
		f.logger.Warn("failed to remove temp file", zap.String("path", f.Path), zap.Error(err))
	}
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, id)
}
