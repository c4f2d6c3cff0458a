// Package storage offloads finished downloads out of the staging area, to a
// shared directory or an object store.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Mover relocates a finished file and returns its new location. Movers are
// invoked after the terminal status is emitted; failures are logged, never
// surfaced to the host.
type Mover interface {
	Move(ctx context.Context, localPath, filename string) (string, error)
}

type nopMover struct{}

func (nopMover) Move(_ context.Context, localPath, _ string) (string, error) {
	return localPath, nil
}

// Nop returns a Mover that leaves files where they are.
func Nop() Mover { return nopMover{} }

// LocalMover renames finished files into a shared directory, copying when
// the rename crosses filesystems.
type LocalMover struct {
	dir    string
	logger *slog.Logger
}

var _ Mover = (*LocalMover)(nil)

// NewLocal creates a LocalMover targeting dir, creating it if needed.
func NewLocal(dir string, logger *slog.Logger) (*LocalMover, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shared dir %s: %w", dir, err)
	}
	return &LocalMover{dir: dir, logger: logger.With(slog.String("component", "storage"))}, nil
}

func (m *LocalMover) Move(_ context.Context, localPath, filename string) (string, error) {
	if filename == "" {
		filename = filepath.Base(localPath)
	}
	dest := filepath.Join(m.dir, filename)
	if err := os.Rename(localPath, dest); err == nil {
		return dest, nil
	}
	if err := copyFile(localPath, dest); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", localPath, dest, err)
	}
	if err := os.Remove(localPath); err != nil {
		m.logger.Warn("staging file left behind after copy",
			slog.String("path", localPath), slog.String("error", err.Error()))
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
