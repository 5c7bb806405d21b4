package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lkarlslund/chatbridge/pkg/cache"
)

var ErrNotFound = cache.ErrNotFound

// Backend stores opaque sealed blobs keyed by provider name.
type Backend interface {
	Load(ctx context.Context, provider string) ([]byte, error)
	Save(ctx context.Context, provider string, blob []byte) error
	Delete(ctx context.Context, provider string) error
	List(ctx context.Context) ([]string, error)
}

const fileSuffix = ".cred"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileBackend keeps one 0600 file per provider in a directory.
type FileBackend struct {
	Dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: strings.TrimSpace(dir)}
}

func (b *FileBackend) path(provider string) string {
	name := unsafeName.ReplaceAllString(strings.ToLower(strings.TrimSpace(provider)), "_")
	return filepath.Join(b.Dir, name+fileSuffix)
}

func (b *FileBackend) Load(_ context.Context, provider string) ([]byte, error) {
	return cache.ReadFile(b.path(provider))
}

func (b *FileBackend) Save(_ context.Context, provider string, blob []byte) error {
	return cache.WriteFileAtomic(b.path(provider), blob, 0o600)
}

func (b *FileBackend) Delete(_ context.Context, provider string) error {
	err := os.Remove(b.path(provider))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

func (b *FileBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list credential dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), fileSuffix))
	}
	sort.Strings(out)
	return out, nil
}
