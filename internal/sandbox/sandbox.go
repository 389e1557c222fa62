// Package sandbox resolves client-supplied relative paths against a shared
// folder root and guarantees the result never leaves that root, including
// through symlinks.
package sandbox

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
)

var (
	// ErrEscape is returned when a path would resolve outside the root.
	ErrEscape = errors.New("sandbox: path escapes root")
	// ErrNotFound is returned when the resolved path does not exist.
	ErrNotFound = errors.New("sandbox: not found")
	// ErrNotADirectory is returned when a directory was required.
	ErrNotADirectory = errors.New("sandbox: not a directory")
	// ErrIsADirectory is returned when a regular file was required.
	ErrIsADirectory = errors.New("sandbox: is a directory")
)

// Entry kinds used in listings.
const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Entry is one child of a listed directory.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Listing describes either a directory (Items set) or a single file.
type Listing struct {
	Type  string  `json:"type"`
	Name  string  `json:"name,omitempty"`
	Path  string  `json:"path"`
	Size  int64   `json:"size,omitempty"`
	Items []Entry `json:"items,omitempty"`
	// DownloadRef is the cleaned relative path to pass to Open or ReadFile.
	DownloadRef string `json:"download_ref,omitempty"`
}

// CleanRel normalises a client path into a slash-separated path relative to
// the root. "" means the root itself. Leading slashes are treated as
// relative to the root; ".." that would climb above it is rejected.
func CleanRel(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("sandbox.CleanRel: NUL byte: %w", ErrEscape)
	}

	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if filepath.VolumeName(p) != "" || hasDriveLetter(p) {
		return "", fmt.Errorf("sandbox.CleanRel: volume name in %q: %w", p, ErrEscape)
	}

	parts := make([]string, 0, strings.Count(p, "/")+1)
	for seg := range strings.SplitSeq(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				return "", fmt.Errorf("sandbox.CleanRel: %q: %w", p, ErrEscape)
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, seg)
		}
	}

	return path.Join(parts...), nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0] | 0x20
	return c >= 'a' && c <= 'z'
}

// Resolve returns the canonical absolute path of rel under root. Existing
// components are resolved through symlinks and the result is checked
// component-wise against the canonical root. The target itself need not
// exist.
func Resolve(root, rel string) (string, error) {
	realRoot, err := canonicalRoot(root)
	if err != nil {
		return "", err
	}

	clean, err := CleanRel(rel)
	if err != nil {
		return "", err
	}

	candidate := filepath.Join(realRoot, filepath.FromSlash(clean))

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", fmt.Errorf("sandbox.Resolve(%q): %w", rel, err)
	}

	if !within(realRoot, resolved) {
		return "", fmt.Errorf("sandbox.Resolve(%q): %w", rel, ErrEscape)
	}

	return resolved, nil
}

// List describes rel. Directories list their children with directories
// first, then files, each group ordered byte-wise by name.
func List(root, rel string) (*Listing, error) {
	clean, err := CleanRel(rel)
	if err != nil {
		return nil, err
	}

	target, err := Resolve(root, clean)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return nil, statError("sandbox.List", err)
	}

	if !info.IsDir() {
		return &Listing{
			Type:        KindFile,
			Name:        info.Name(),
			Path:        clean,
			Size:        info.Size(),
			DownloadRef: clean,
		}, nil
	}

	dirents, err := os.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("sandbox.List: read dir: %w", err)
	}

	items := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		// Links resolving inside the root report their target; any other
		// link reports only itself.
		fi, statErr := de.Info()
		if statErr != nil {
			continue
		}
		if de.Type()&fs.ModeSymlink != 0 {
			if resolved, rerr := Resolve(root, path.Join(clean, de.Name())); rerr == nil {
				if ti, serr := os.Stat(resolved); serr == nil {
					fi = ti
				}
			}
		}

		e := Entry{
			Name: de.Name(),
			Path: path.Join(clean, de.Name()),
			Type: KindFile,
		}
		if fi.IsDir() {
			e.Type = KindDirectory
		} else {
			e.Size = fi.Size()
		}
		items = append(items, e)
	}

	SortEntries(items)

	return &Listing{
		Type:  KindDirectory,
		Path:  clean,
		Items: items,
	}, nil
}

// SortEntries orders directories before files, then by byte-wise name.
func SortEntries(items []Entry) {
	slices.SortFunc(items, func(a, b Entry) int {
		if ad, bd := a.Type == KindDirectory, b.Type == KindDirectory; ad != bd {
			if ad {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Name, b.Name)
	})
}

// Open opens the regular file at rel for reading.
func Open(root, rel string) (*os.File, fs.FileInfo, error) {
	target, err := Resolve(root, rel)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, nil, statError("sandbox.Open", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("sandbox.Open: stat: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("sandbox.Open(%q): %w", rel, ErrIsADirectory)
	}

	return f, info, nil
}

// ReadFile returns the contents of the regular file at rel.
func ReadFile(root, rel string) ([]byte, error) {
	f, _, err := Open(root, rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sandbox.ReadFile: %w", err)
	}
	return data, nil
}

// OpenDir resolves rel as a directory, creating missing components. The
// directory is re-resolved after creation so a racing symlink cannot move
// it outside the root.
func OpenDir(root, rel string) (string, error) {
	target, err := Resolve(root, rel)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(target)
	switch {
	case err == nil && !info.IsDir(), errors.Is(err, syscall.ENOTDIR):
		return "", fmt.Errorf("sandbox.OpenDir(%q): %w", rel, ErrNotADirectory)
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(target, 0o755); mkErr != nil {
			return "", fmt.Errorf("sandbox.OpenDir: mkdir: %w", mkErr)
		}
	case err != nil:
		return "", fmt.Errorf("sandbox.OpenDir: stat: %w", err)
	}

	again, err := Resolve(root, rel)
	if err != nil {
		return "", err
	}
	if again != target {
		return "", fmt.Errorf("sandbox.OpenDir(%q): target moved: %w", rel, ErrEscape)
	}

	return target, nil
}

func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("sandbox: root %q: %w", root, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", statError("sandbox: root", err)
	}

	return resolved, nil
}

// resolveExisting canonicalises the longest existing prefix of p and
// appends the remaining, not yet existing, components.
func resolveExisting(p string) (string, error) {
	var rest []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !isNotExist(err) {
			return "", err
		}
		// A dangling symlink exists but points nowhere; its target is unknown.
		if _, lerr := os.Lstat(cur); lerr == nil {
			return "", ErrEscape
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return "", ErrNotFound
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// within reports whether p equals root or descends from it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func statError(op string, err error) error {
	if isNotExist(err) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
