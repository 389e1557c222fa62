package tomlfile_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/store/tomlfile"
)

func TestStore_LoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s := tomlfile.New(filepath.Join(t.TempDir(), "nope", tomlfile.DefaultFileName))

	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Folders)
	assert.Empty(t, snap.Clouds)
}

func TestStore_SaveThenLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", tomlfile.DefaultFileName)
	s := tomlfile.New(path)
	assert.Equal(t, path, s.Path())

	changed := time.Date(2026, 5, 6, 7, 8, 9, 123456000, time.UTC)
	want := domain.Snapshot{
		Folders: []domain.Folder{
			{Name: "photos", Path: "/srv/photos"},
			{Name: "docs", Path: "/srv/docs"},
		},
		Clouds: []domain.Cloud{
			{
				Name:              "family",
				Folders:           []domain.Folder{{Name: "photos", Path: "/srv/photos"}},
				PasswordHash:      "$2a$10$abcdefghijklmnopqrstuv",
				PasswordChangedAt: &changed,
				JWTSecret:         "cloud-family-secret-00ff",
			},
			{
				Name:      "work",
				Folders:   []domain.Folder{{Name: "docs", Path: "/srv/docs"}},
				JWTSecret: "cloud-work-secret-11ee",
			},
		},
	}

	require.NoError(t, s.Save(context.Background(), want))

	got, err := s.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, want.Folders, got.Folders)
	require.Len(t, got.Clouds, 2)
	assert.Equal(t, "family", got.Clouds[0].Name)
	assert.Equal(t, want.Clouds[0].PasswordHash, got.Clouds[0].PasswordHash)
	require.NotNil(t, got.Clouds[0].PasswordChangedAt)
	assert.True(t, changed.Equal(*got.Clouds[0].PasswordChangedAt), "got %v", got.Clouds[0].PasswordChangedAt)
	assert.Nil(t, got.Clouds[1].PasswordChangedAt)
	assert.Empty(t, got.Clouds[1].PasswordHash)
	assert.Equal(t, want.Clouds[1].Folders, got.Clouds[1].Folders)
}

func TestStore_FileIsPrivate(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}

	path := filepath.Join(t.TempDir(), tomlfile.DefaultFileName)
	s := tomlfile.New(path)
	require.NoError(t, s.Save(context.Background(), domain.Snapshot{}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := tomlfile.New(filepath.Join(dir, tomlfile.DefaultFileName))

	for range 3 {
		require.NoError(t, s.Save(context.Background(), domain.Snapshot{
			Folders: []domain.Folder{{Name: "a", Path: "/a"}},
		}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tomlfile.DefaultFileName, entries[0].Name())
}

func TestStore_LoadExistingDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), tomlfile.DefaultFileName)
	doc := `
[[cloud_folders]]
name = "music"
folder_path = "/home/me/Music"

[[clouds]]
name = "party"
jwt_secret = "cloud-party-secret-abc"
password_hash = "$2b$12$hash"
password_changed_at = 2025-01-02T03:04:05Z

[[clouds.cloud_folders]]
name = "music"
folder_path = "/home/me/Music"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	snap, err := tomlfile.New(path).Load(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Folders, 1)
	assert.Equal(t, "/home/me/Music", snap.Folders[0].Path)
	require.Len(t, snap.Clouds, 1)
	c := snap.Clouds[0]
	assert.Equal(t, "party", c.Name)
	assert.True(t, c.HasPassword())
	require.Len(t, c.Folders, 1)
	assert.Equal(t, "music", c.Folders[0].Name)
	assert.Equal(t, 2025, c.ChangedAt().Year())
}

func TestStore_LoadMalformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), tomlfile.DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("clouds = [[[ nope"), 0o600))

	_, err := tomlfile.New(path).Load(context.Background())
	require.Error(t, err)
}
