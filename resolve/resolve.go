// Package resolve turns model and tokenizer identifiers into local files,
// downloading from the HuggingFace Hub when needed.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/go-huggingface/hub"
)

// ErrNoSource is returned when neither an existing local path nor a
// repository is given.
var ErrNoSource = errors.New("no local path or repository to resolve")

// Spec names a model artifact either by local path or by repository + file.
type Spec struct {
	Path     string
	Repo     string
	File     string
	Revision string
	CacheDir string
	Token    string
	Progress bool
}

// Hub returns the hub handle described by s.
func (s Spec) Hub() *hub.Repo {
	repo := hub.New(s.Repo).WithProgressBar(s.Progress)
	if s.Token != "" {
		repo = repo.WithAuth(s.Token)
	}
	if s.CacheDir != "" {
		repo = repo.WithCacheDir(s.CacheDir)
	}
	if s.Revision != "" {
		repo = repo.WithRevision(s.Revision)
	}
	return repo
}

// Local reports whether s.Path names an existing file or directory.
func (s Spec) Local() bool {
	if s.Path == "" {
		return false
	}
	_, err := os.Stat(s.Path)
	return err == nil
}

// Model returns a local path for the artifact. An existing s.Path wins;
// otherwise s.File is downloaded from s.Repo.
func Model(ctx context.Context, s Spec) (string, error) {
	if s.Local() {
		return s.Path, nil
	}
	if s.Repo == "" {
		if s.Path != "" {
			return "", fmt.Errorf("model path %q: %w", s.Path, ErrNoSource)
		}
		return "", ErrNoSource
	}
	if s.File == "" {
		return "", fmt.Errorf("repository %s: no file name given", s.Repo)
	}

	paths, err := download(ctx, s, s.File)
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

// Dir downloads files from s.Repo and returns the snapshot directory holding
// them. An existing local s.Path directory is returned as is.
func Dir(ctx context.Context, s Spec, files ...string) (string, error) {
	if s.Local() {
		return s.Path, nil
	}
	if s.Repo == "" {
		return "", ErrNoSource
	}
	if len(files) == 0 {
		return "", fmt.Errorf("repository %s: no files requested", s.Repo)
	}

	paths, err := download(ctx, s, files...)
	if err != nil {
		return "", err
	}
	return filepath.Dir(paths[0]), nil
}

func download(ctx context.Context, s Spec, files ...string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo := s.Hub()
	if err := repo.DownloadInfo(false); err != nil {
		return nil, fmt.Errorf("failed to get info for %s: %w", s.Repo, err)
	}

	paths := make([]string, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := repo.DownloadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s from %s: %w", file, s.Repo, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
