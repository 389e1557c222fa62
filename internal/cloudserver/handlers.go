package cloudserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/sandbox"
	"github.com/gosuda/cloudhost/internal/server/middleware"
)

const folderKind = "cloud_folder"

type folderSummary struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type indexResponse struct {
	Status          string          `json:"status"`
	CloudName       string          `json:"cloud_name"`
	CloudFolders    int             `json:"cloud_folders"`
	CloudFolderList []folderSummary `json:"cloud_folder_list"`
	Timestamp       time.Time       `json:"timestamp"`
}

type folderResponse struct {
	CloudName         string        `json:"cloud_name"`
	CloudFolder       folderSummary `json:"cloud_folder"`
	TotalCloudFolders int           `json:"total_cloud_folders"`
}

type filesResponse struct {
	*sandbox.Listing
	CloudFolder string `json:"cloud_folder"`
	DownloadURL string `json:"download_url,omitempty"`
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (s *Instance) handleIndex(w http.ResponseWriter, _ *http.Request) {
	list := make([]folderSummary, 0, len(s.cloud.Folders))
	for _, f := range s.cloud.Folders {
		list = append(list, folderSummary{Name: f.Name, Type: folderKind})
	}

	middleware.WriteJSON(w, http.StatusOK, indexResponse{
		Status:          "running",
		CloudName:       s.cloud.Name,
		CloudFolders:    len(list),
		CloudFolderList: list,
		Timestamp:       s.now().UTC(),
	})
}

func (s *Instance) handleFolder(w http.ResponseWriter, r *http.Request) {
	f, ok := s.folder(w, r)
	if !ok {
		return
	}

	middleware.WriteJSON(w, http.StatusOK, folderResponse{
		CloudName:         s.cloud.Name,
		CloudFolder:       folderSummary{Name: f.Name, Type: folderKind},
		TotalCloudFolders: len(s.cloud.Folders),
	})
}

func (s *Instance) handleFiles(w http.ResponseWriter, r *http.Request) {
	f, ok := s.folder(w, r)
	if !ok {
		return
	}

	listing, err := sandbox.List(f.Path, pathParam(r, "*"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := filesResponse{Listing: listing, CloudFolder: f.Name}
	if listing.Type == sandbox.KindFile {
		resp.DownloadURL = "/api/" + url.PathEscape(f.Name) + "/static/" + escapePath(listing.DownloadRef)
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// handleStatic streams a file with Range and conditional request support.
// ?download=1 asks the browser to save rather than display it.
func (s *Instance) handleStatic(w http.ResponseWriter, r *http.Request) {
	f, ok := s.folder(w, r)
	if !ok {
		return
	}

	file, info, err := sandbox.Open(f.Path, pathParam(r, "*"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	defer file.Close()

	ctype := mime.TypeByExtension(filepath.Ext(info.Name()))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)

	disposition := "inline"
	if r.URL.Query().Has("download") {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": info.Name()}))

	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}

// handleLogin accepts {"password": "..."} as JSON or a form field.
func (s *Instance) handleLogin(w http.ResponseWriter, r *http.Request) {
	password, err := readPassword(w, r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	if !s.guard.VerifyPassword(password) {
		s.stream.Warn("auth", "failed login from "+r.RemoteAddr)
		writeError(w, s.logger, fmt.Errorf("cloudserver.login: %w", domain.ErrUnauthorized))
		return
	}

	token, err := s.guard.IssueToken()
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("cloudserver.login: %w", err))
		return
	}

	ttl := s.guard.TTL()
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AuthCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})

	s.stream.Info("auth", "login from "+r.RemoteAddr)
	middleware.WriteJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresIn: int64(ttl.Seconds())})
}

func readPassword(w http.ResponseWriter, r *http.Request) (string, error) {
	ctype, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ctype == "application/x-www-form-urlencoded" || ctype == "multipart/form-data" {
		if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return "", fmt.Errorf("%w: malformed form", domain.ErrValidation)
		}
		return r.FormValue("password"), nil
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: body must be JSON {\"password\": ...}", domain.ErrValidation)
	}
	return req.Password, nil
}

func (s *Instance) folder(w http.ResponseWriter, r *http.Request) (domain.Folder, bool) {
	name := pathParam(r, "folder")
	f, ok := s.cloud.Folder(name)
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("cloud folder %q not found", name))
		return domain.Folder{}, false
	}
	return f, true
}

// joinRel joins slash-separated relative segments, dropping empties.
func joinRel(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}
