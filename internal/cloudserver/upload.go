package cloudserver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/sandbox"
	"github.com/gosuda/cloudhost/internal/server/middleware"
)

// maxNumberedCopies bounds the name(N).ext probe before falling back to a
// timestamped name.
const maxNumberedCopies = 49

type duplicateInfo struct {
	OriginalFilename string `json:"original_filename,omitempty"`
	ActualFilename   string `json:"actual_filename,omitempty"`
	DuplicateHandled bool   `json:"duplicate_handled"`
}

type uploadResponse struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	Path          string        `json:"path"`
	Filename      string        `json:"filename"`
	Size          int64         `json:"size"`
	DuplicateInfo duplicateInfo `json:"duplicate_info"`
}

// handleUpload stores the first file part of a multipart body in the
// target directory, creating the directory when needed. Existing files are
// never overwritten.
func (s *Instance) handleUpload(w http.ResponseWriter, r *http.Request) {
	f, ok := s.folder(w, r)
	if !ok {
		return
	}

	rel, err := sandbox.CleanRel(pathParam(r, "*"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: multipart/form-data body required", domain.ErrValidation))
		return
	}

	part, err := firstFilePart(mr)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	defer part.Close()

	name, err := sanitizeFileName(part.FileName())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	dir, err := sandbox.OpenDir(f.Path, rel)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	out, finalName, err := createUnique(dir, name, s.now())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	n, err := io.Copy(out, part)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(out.Name())
		s.stream.Warn("upload", fmt.Sprintf("upload of %q to %s/%s failed: %v", name, f.Name, rel, err))
		writeError(w, s.logger, fmt.Errorf("cloudserver.upload: %w", err))
		return
	}

	stored := joinRel(rel, finalName)
	s.stream.Info("upload", fmt.Sprintf("stored %s/%s (%d bytes)", f.Name, stored, n))

	dup := duplicateInfo{}
	if finalName != name {
		dup = duplicateInfo{OriginalFilename: name, ActualFilename: finalName, DuplicateHandled: true}
	}
	middleware.WriteJSON(w, http.StatusCreated, uploadResponse{
		Success:       true,
		Message:       fmt.Sprintf("file %q uploaded", finalName),
		Path:          stored,
		Filename:      finalName,
		Size:          n,
		DuplicateInfo: dup,
	})
}

func firstFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no file in request", domain.ErrValidation)
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: malformed multipart body", domain.ErrValidation)
		}
		if part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

// sanitizeFileName reduces a client-supplied name to a single path element.
func sanitizeFileName(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)

	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("%w: invalid file name", domain.ErrValidation)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: invalid file name", domain.ErrValidation)
	case len(name) > 255:
		return "", fmt.Errorf("%w: file name too long", domain.ErrValidation)
	}
	return name, nil
}

// createUnique creates name in dir, or the first free name(N).ext, or a
// timestamped name. O_EXCL guarantees an existing file is never replaced,
// even by a concurrent upload.
func createUnique(dir, name string, now time.Time) (*os.File, string, error) {
	for _, candidate := range uploadCandidates(name, now) {
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("cloudserver.createUnique: %w", err)
		}
	}
	return nil, "", fmt.Errorf("cloudserver.createUnique(%q): %w", name, domain.ErrConflict)
}

func uploadCandidates(name string, now time.Time) []string {
	stem, ext := splitExt(name)

	out := make([]string, 0, maxNumberedCopies+2)
	out = append(out, name)
	for i := 1; i <= maxNumberedCopies; i++ {
		out = append(out, fmt.Sprintf("%s(%d)%s", stem, i, ext))
	}
	stamp := now.UTC().Format("20060102_150405") + fmt.Sprintf("_%03d", now.Nanosecond()/int(time.Millisecond))
	return append(out, stem+"_"+stamp+ext)
}

// splitExt splits at the last dot. A leading dot belongs to the stem, so
// ".env" has no extension.
func splitExt(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}
