// Package backup keeps a local plain-text record of every settled utterance,
// independent of whether the remote document is reachable.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/bakkot/transcribe-to-gdocs/internal/models"
)

// DefaultPath is the backup file used when none is configured.
const DefaultPath = "transcript-backup.txt"

// File appends lines to a transcript file by re-reading and rewriting it.
// Writes are serialized so concurrent callers never interleave.
type File struct {
	path string
	mu   sync.Mutex
}

// New returns a backup file at path, or DefaultPath when path is empty. The
// file is created on first write.
func New(path string) *File {
	if path == "" {
		path = DefaultPath
	}
	return &File{path: path}
}

// Path returns the backup file path.
func (f *File) Path() string {
	return f.path
}

// Append writes text followed by a newline to the end of the file.
func (f *File) Append(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read backup %s: %w", f.path, err)
	}

	out := make([]byte, 0, len(existing)+len(text)+1)
	out = append(out, existing...)
	out = append(out, text...)
	out = append(out, '\n')

	if err := os.WriteFile(f.path, out, 0o644); err != nil {
		return fmt.Errorf("write backup %s: %w", f.path, err)
	}
	return nil
}

// Name implements reconcile.Archiver.
func (f *File) Name() string {
	return "backup"
}

// Archive implements reconcile.Archiver with the utterance's full final text.
func (f *File) Archive(ctx context.Context, u models.Utterance) error {
	return f.Append(u.Text)
}
