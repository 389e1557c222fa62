package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MaxNameLength bounds folder and cloud names, counted in characters.
	MaxNameLength = 100

	// MinPasswordLength is the shortest password a cloud accepts.
	MinPasswordLength = 8

	// MaxPasswordBytes is the bcrypt input limit.
	MaxPasswordBytes = 72
)

// reservedFolderNames collide with the tenant API's static route segments.
var reservedFolderNames = map[string]struct{}{ //nolint:gochecknoglobals // lookup table
	"login":  {},
	"upload": {},
	"delete": {},
}

// Folder is a named local directory that can be shared by clouds.
type Folder struct {
	Name string `toml:"name" json:"name"`
	Path string `toml:"folder_path" json:"folder_path"`
}

// Cloud is one password-protected file-sharing tenant. Folders is a
// by-value snapshot taken when the cloud was defined; later edits to the
// registry's folder list do not propagate.
type Cloud struct {
	Name              string     `toml:"name" json:"name"`
	Folders           []Folder   `toml:"cloud_folders" json:"cloud_folders"`
	PasswordHash      string     `toml:"password_hash,omitempty" json:"password_hash,omitempty"`
	PasswordChangedAt *time.Time `toml:"password_changed_at,omitempty" json:"password_changed_at,omitempty"`
	JWTSecret         string     `toml:"jwt_secret" json:"jwt_secret"`
}

// Snapshot is the persisted form of the whole registry.
type Snapshot struct {
	Folders []Folder `toml:"cloud_folders" json:"cloud_folders"`
	Clouds  []Cloud  `toml:"clouds" json:"clouds"`
}

// NewCloud builds a cloud with a freshly generated token secret.
func NewCloud(name string, folders []Folder) (Cloud, error) {
	c := Cloud{
		Name:    name,
		Folders: append([]Folder(nil), folders...),
	}
	if err := c.Validate(); err != nil {
		return Cloud{}, err
	}

	secret, err := GenerateSecret(name, time.Now())
	if err != nil {
		return Cloud{}, fmt.Errorf("domain.NewCloud: %w", err)
	}
	c.JWTSecret = secret

	return c, nil
}

// GenerateSecret derives a per-cloud signing secret from the cloud name and
// creation time, salted with random bytes so two clouds never share one.
func GenerateSecret(name string, createdAt time.Time) (string, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("domain.GenerateSecret: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(name))
	_ = binary.Write(h, binary.BigEndian, createdAt.UnixNano())
	h.Write(salt)

	return "cloud-" + name + "-secret-" + hex.EncodeToString(h.Sum(nil)), nil
}

// Validate checks the structural invariants of a cloud definition.
func (c *Cloud) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return fmt.Errorf("cloud name: %w", err)
	}
	if len(c.Folders) == 0 {
		return fmt.Errorf("cloud %q must have at least one folder: %w", c.Name, ErrValidation)
	}

	seen := make(map[string]struct{}, len(c.Folders))
	for _, f := range c.Folders {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("cloud %q: %w", c.Name, err)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("cloud %q lists folder %q twice: %w", c.Name, f.Name, ErrValidation)
		}
		seen[f.Name] = struct{}{}
	}

	return nil
}

// HasPassword reports whether a password has been set.
func (c *Cloud) HasPassword() bool {
	return c.PasswordHash != ""
}

// ChangedAt returns the password change time or the zero time.
func (c *Cloud) ChangedAt() time.Time {
	if c.PasswordChangedAt == nil {
		return time.Time{}
	}
	return *c.PasswordChangedAt
}

// SetPassword hashes password with bcrypt and stamps the change time. The
// stamp is kept strictly increasing so tokens issued before this call are
// always recognised as stale.
func (c *Cloud) SetPassword(password string, now time.Time) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("domain.Cloud.SetPassword: %w", err)
	}

	changed := now.UTC().Truncate(time.Microsecond)
	if prev := c.ChangedAt(); !changed.After(prev) {
		changed = prev.Add(time.Microsecond)
	}

	c.PasswordHash = string(hash)
	c.PasswordChangedAt = &changed
	return nil
}

// Folder returns the cloud's folder with the given name.
func (c *Cloud) Folder(name string) (Folder, bool) {
	for _, f := range c.Folders {
		if f.Name == name {
			return f, true
		}
	}
	return Folder{}, false
}

// Clone returns a deep copy.
func (c Cloud) Clone() Cloud {
	c.Folders = append([]Folder(nil), c.Folders...)
	if c.PasswordChangedAt != nil {
		t := *c.PasswordChangedAt
		c.PasswordChangedAt = &t
	}
	return c
}

// Validate checks the folder's name and that a path is present.
func (f *Folder) Validate() error {
	if err := ValidateName(f.Name); err != nil {
		return fmt.Errorf("folder name: %w", err)
	}
	if _, reserved := reservedFolderNames[strings.ToLower(f.Name)]; reserved {
		return fmt.Errorf("folder name %q is reserved: %w", f.Name, ErrValidation)
	}
	if strings.TrimSpace(f.Path) == "" {
		return fmt.Errorf("folder %q has no path: %w", f.Name, ErrValidation)
	}
	return nil
}

// ValidateName enforces the naming rules shared by folders and clouds.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("name is empty: %w", ErrValidation)
	case utf8.RuneCountInString(name) > MaxNameLength:
		return fmt.Errorf("name longer than %d characters: %w", MaxNameLength, ErrValidation)
	case strings.Contains(name, ".."), strings.ContainsAny(name, `/\`):
		return fmt.Errorf("name %q contains a path separator or '..': %w", name, ErrValidation)
	}
	return nil
}

// ValidatePassword enforces the password policy.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters: %w", MinPasswordLength, ErrValidation)
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("password must be at most %d bytes: %w", MaxPasswordBytes, ErrValidation)
	}
	return nil
}
