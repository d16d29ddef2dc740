package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type uploadedImage struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

// uploadImages stores multipart "images" files under the upload directory.
// An optional "texts" field holds a JSON array with one caption per image.
func (s *Server) uploadImages(w http.ResponseWriter, r *http.Request) {
	if !s.ctl.Session().Authenticated {
		fail(w, http.StatusUnauthorized, "not authenticated: log in first")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooBig.Limit))
			return
		}
		fail(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		fail(w, http.StatusBadRequest, "no images sent")
		return
	}

	var texts []string
	if raw := r.FormValue("texts"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &texts); err != nil {
			fail(w, http.StatusBadRequest, "texts must be a JSON array of strings")
			return
		}
		if len(texts) != len(files) {
			fail(w, http.StatusBadRequest, "the number of texts does not match the number of images")
			return
		}
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		s.log.Error().Err(err).Str("dir", s.opts.UploadDir).Msg("create upload dir")
		fail(w, http.StatusInternalServerError, "cannot store uploads")
		return
	}

	out := make([]uploadedImage, 0, len(files))
	for i, fh := range files {
		path, err := s.saveUpload(fh)
		if err != nil {
			s.log.Error().Err(err).Str("file", fh.Filename).Msg("save upload")
			fail(w, http.StatusInternalServerError, "cannot store "+fh.Filename)
			return
		}
		img := uploadedImage{Path: path}
		if texts != nil {
			img.Text = texts[i]
		}
		out = append(out, img)
	}
	s.log.Info().Int("images", len(out)).Msg("images uploaded")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "uploaded_images": out})
}

func (s *Server) saveUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	path := filepath.Join(s.opts.UploadDir, uuid.NewString()+"_"+cleanName(fh.Filename))
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// cleanName strips directories and characters that are awkward in paths.
func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == 0 || r == ' ':
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "image"
	}
	return name
}
