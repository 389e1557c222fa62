package cloudserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"syscall"

	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/sandbox"
	"github.com/gosuda/cloudhost/internal/server/middleware"
)

type deleteResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Path      string `json:"path"`
	Mode      string `json:"mode"`
	TrashName string `json:"trash_name,omitempty"`
}

// handleDelete removes one file. Symlinks are removed themselves, never
// their targets.
func (s *Instance) handleDelete(w http.ResponseWriter, r *http.Request) {
	f, ok := s.folder(w, r)
	if !ok {
		return
	}

	rel, err := sandbox.CleanRel(pathParam(r, "*"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if rel == "" {
		writeError(w, s.logger, fmt.Errorf("%w: file path required", domain.ErrValidation))
		return
	}

	parent, err := sandbox.Resolve(f.Path, path.Dir(rel))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	target := filepath.Join(parent, path.Base(rel))

	info, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			err = sandbox.ErrNotFound
		}
		writeError(w, s.logger, fmt.Errorf("cloudserver.delete: %w", err))
		return
	}
	if info.IsDir() {
		writeError(w, s.logger, fmt.Errorf("cloudserver.delete: %w", sandbox.ErrIsADirectory))
		return
	}

	resp := deleteResponse{Success: true, Path: rel, Mode: s.opts.DeleteMode}
	if s.opts.DeleteMode == DeletePermanent {
		if err := os.Remove(target); err != nil {
			writeError(w, s.logger, fmt.Errorf("cloudserver.delete: %w", err))
			return
		}
		resp.Message = fmt.Sprintf("file %q deleted", info.Name())
	} else {
		dest, err := s.moveToTrash(target, f.Name, info.Name())
		if err != nil {
			writeError(w, s.logger, fmt.Errorf("cloudserver.delete: %w", err))
			return
		}
		resp.Message = fmt.Sprintf("file %q moved to trash", info.Name())
		resp.TrashName = filepath.Base(dest)
	}

	msg := fmt.Sprintf("%s %s/%s", s.opts.DeleteMode, f.Name, rel)
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		msg += " token=" + claims.ID
	}
	s.stream.Info("delete", msg)
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// moveToTrash moves target to <trash>/<cloud>/<folder>/<timestamp>-<name>.
func (s *Instance) moveToTrash(target, folder, name string) (string, error) {
	dir := filepath.Join(s.opts.TrashDir, s.cloud.Name, folder)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("trash dir: %w", err)
	}

	dest := filepath.Join(dir, s.now().UTC().Format("20060102T150405.000000000")+"-"+name)
	err := os.Rename(target, dest)
	if errors.Is(err, syscall.EXDEV) {
		err = moveAcrossDevices(target, dest)
	}
	if err != nil {
		return "", fmt.Errorf("move to trash: %w", err)
	}
	return dest, nil
}

func moveAcrossDevices(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
