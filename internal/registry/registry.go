// Package registry holds the persistent catalogue of shared folders and
// clouds. Every successful mutation is written through to Storage before
// the call returns.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/cloudhost/internal/domain"
)

// Storage loads and saves the full registry snapshot. A missing backing
// store must load as an empty snapshot.
type Storage interface {
	Load(ctx context.Context) (domain.Snapshot, error)
	Save(ctx context.Context, snap domain.Snapshot) error
}

// Registry is safe for concurrent use.
type Registry struct {
	storage Storage
	now     func() time.Time

	mu      sync.RWMutex
	folders []domain.Folder
	clouds  []domain.Cloud
}

// Open loads the registry from storage.
func Open(ctx context.Context, storage Storage) (*Registry, error) {
	r := &Registry{storage: storage, now: time.Now}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the in-memory state with what storage holds. On failure
// the current state is kept.
func (r *Registry) Reload(ctx context.Context) error {
	snap, err := r.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("registry.Reload: %w: %w", domain.ErrConfiguration, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.folders = slices.Clone(snap.Folders)
	r.clouds = make([]domain.Cloud, 0, len(snap.Clouds))
	for _, c := range snap.Clouds {
		r.clouds = append(r.clouds, c.Clone())
	}

	log.Debug().Int("folders", len(r.folders)).Int("clouds", len(r.clouds)).Msg("registry loaded")
	return nil
}

// Snapshot returns a deep copy of the current state.
func (r *Registry) Snapshot() domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// ---------------------------------------------------------------------------
// Folders
// ---------------------------------------------------------------------------

// Folders returns all folders in insertion order.
func (r *Registry) Folders() []domain.Folder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.folders)
}

// Folder returns the folder named name.
func (r *Registry) Folder(name string) (domain.Folder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.folderIndex(name)
	if i < 0 {
		return domain.Folder{}, fmt.Errorf("registry.Folder(%q): %w", name, domain.ErrNotFound)
	}
	return r.folders[i], nil
}

// AddFolder appends a folder.
func (r *Registry) AddFolder(ctx context.Context, f domain.Folder) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("registry.AddFolder: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.folderIndex(f.Name) >= 0 {
		return fmt.Errorf("registry.AddFolder(%q): %w", f.Name, domain.ErrConflict)
	}
	r.folders = append(r.folders, f)

	return r.persistLocked(ctx, "registry.AddFolder")
}

// RemoveFolder deletes a folder. Clouds keep their own snapshot of it.
func (r *Registry) RemoveFolder(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.folderIndex(name)
	if i < 0 {
		return fmt.Errorf("registry.RemoveFolder(%q): %w", name, domain.ErrNotFound)
	}
	r.folders = slices.Delete(r.folders, i, i+1)

	return r.persistLocked(ctx, "registry.RemoveFolder")
}

// UpdateFolder replaces the folder named oldName, possibly renaming it.
func (r *Registry) UpdateFolder(ctx context.Context, oldName string, f domain.Folder) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("registry.UpdateFolder: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.folderIndex(oldName)
	if i < 0 {
		return fmt.Errorf("registry.UpdateFolder(%q): %w", oldName, domain.ErrNotFound)
	}
	if f.Name != oldName && r.folderIndex(f.Name) >= 0 {
		return fmt.Errorf("registry.UpdateFolder(%q -> %q): %w", oldName, f.Name, domain.ErrConflict)
	}
	r.folders[i] = f

	return r.persistLocked(ctx, "registry.UpdateFolder")
}

// ---------------------------------------------------------------------------
// Clouds
// ---------------------------------------------------------------------------

// Clouds returns deep copies of all clouds in insertion order.
func (r *Registry) Clouds() []domain.Cloud {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Cloud, 0, len(r.clouds))
	for _, c := range r.clouds {
		out = append(out, c.Clone())
	}
	return out
}

// Cloud returns a deep copy of the cloud named name.
func (r *Registry) Cloud(name string) (domain.Cloud, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.cloudIndex(name)
	if i < 0 {
		return domain.Cloud{}, fmt.Errorf("registry.Cloud(%q): %w", name, domain.ErrNotFound)
	}
	return r.clouds[i].Clone(), nil
}

// AddCloud appends a cloud.
func (r *Registry) AddCloud(ctx context.Context, c domain.Cloud) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("registry.AddCloud: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cloudIndex(c.Name) >= 0 {
		return fmt.Errorf("registry.AddCloud(%q): %w", c.Name, domain.ErrConflict)
	}
	r.clouds = append(r.clouds, c.Clone())

	return r.persistLocked(ctx, "registry.AddCloud")
}

// RemoveCloud deletes a cloud.
func (r *Registry) RemoveCloud(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.cloudIndex(name)
	if i < 0 {
		return fmt.Errorf("registry.RemoveCloud(%q): %w", name, domain.ErrNotFound)
	}
	r.clouds = slices.Delete(r.clouds, i, i+1)

	return r.persistLocked(ctx, "registry.RemoveCloud")
}

// UpdateCloud replaces the cloud named oldName, possibly renaming it.
func (r *Registry) UpdateCloud(ctx context.Context, oldName string, c domain.Cloud) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("registry.UpdateCloud: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.cloudIndex(oldName)
	if i < 0 {
		return fmt.Errorf("registry.UpdateCloud(%q): %w", oldName, domain.ErrNotFound)
	}
	if c.Name != oldName && r.cloudIndex(c.Name) >= 0 {
		return fmt.Errorf("registry.UpdateCloud(%q -> %q): %w", oldName, c.Name, domain.ErrConflict)
	}
	r.clouds[i] = c.Clone()

	return r.persistLocked(ctx, "registry.UpdateCloud")
}

// SetCloudPassword hashes and stores a new password for the cloud and
// returns the updated cloud. The returned cloud reflects the change even
// when persisting fails.
func (r *Registry) SetCloudPassword(ctx context.Context, name, password string) (domain.Cloud, error) {
	if err := domain.ValidatePassword(password); err != nil {
		return domain.Cloud{}, fmt.Errorf("registry.SetCloudPassword: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.cloudIndex(name)
	if i < 0 {
		return domain.Cloud{}, fmt.Errorf("registry.SetCloudPassword(%q): %w", name, domain.ErrNotFound)
	}

	updated := r.clouds[i].Clone()
	if err := updated.SetPassword(password, r.now()); err != nil {
		return domain.Cloud{}, fmt.Errorf("registry.SetCloudPassword: %w", err)
	}
	r.clouds[i] = updated

	return updated.Clone(), r.persistLocked(ctx, "registry.SetCloudPassword")
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (r *Registry) folderIndex(name string) int {
	return slices.IndexFunc(r.folders, func(f domain.Folder) bool { return f.Name == name })
}

func (r *Registry) cloudIndex(name string) int {
	return slices.IndexFunc(r.clouds, func(c domain.Cloud) bool { return c.Name == name })
}

func (r *Registry) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		Folders: slices.Clone(r.folders),
		Clouds:  make([]domain.Cloud, 0, len(r.clouds)),
	}
	for _, c := range r.clouds {
		snap.Clouds = append(snap.Clouds, c.Clone())
	}
	return snap
}

// persistLocked saves the current state. The in-memory mutation is kept
// even when saving fails.
func (r *Registry) persistLocked(ctx context.Context, op string) error {
	if err := r.storage.Save(ctx, r.snapshotLocked()); err != nil {
		log.Error().Err(err).Str("op", op).Msg("registry: persist failed")
		return fmt.Errorf("%s: %w: %w", op, domain.ErrConfiguration, err)
	}
	return nil
}
