package repositories

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/occi-engine/pkg/models"
)

const snapshotFileExt = ".yaml"

type fileSnapshotRepository struct {
	dir string
	mu  sync.Mutex
}

// NewFileSnapshotRepository stores each tenant as one YAML file in dir.
// The directory is created if missing.
func NewFileSnapshotRepository(dir string) (SnapshotRepository, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &fileSnapshotRepository{dir: dir}, nil
}

var _ SnapshotRepository = (*fileSnapshotRepository)(nil)

func (r *fileSnapshotRepository) path(owner string) string {
	return filepath.Join(r.dir, url.PathEscape(owner)+snapshotFileExt)
}

func (r *fileSnapshotRepository) Save(ctx context.Context, snap *models.TenantSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkSnapshot(snap); err != nil {
		return err
	}

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Write then rename so a crash never leaves a torn file.
	tmp, err := os.CreateTemp(r.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path(snap.Owner)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (r *fileSnapshotRepository) Load(ctx context.Context, owner string) (*models.TenantSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkOwner(owner); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.path(owner))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap models.TenantSnapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", owner, err)
	}
	return &snap, nil
}

func (r *fileSnapshotRepository) Delete(ctx context.Context, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkOwner(owner); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path(owner)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

func (r *fileSnapshotRepository) ListOwners(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshot directory: %w", err)
	}

	owners := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, snapshotFileExt) {
			continue
		}
		owner, err := url.PathUnescape(strings.TrimSuffix(name, snapshotFileExt))
		if err != nil {
			continue
		}
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners, nil
}
