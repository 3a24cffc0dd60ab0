package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/transam/sogr/internal/importer"
	"github.com/transam/sogr/internal/model"
)

const maxUploadBytes = 32 << 20

type uploadResponse struct {
	Upload *model.Upload    `json:"upload"`
	Report *importer.Report `json:"report,omitempty"`
}

// createUpload accepts a multipart form with an organization_id field and
// the spreadsheet in the file field.
func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	orgID, err := strconv.ParseInt(r.FormValue("organization_id"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "organization_id is required")
		return
	}
	u := userFrom(r.Context())
	if !s.authz.CanUpload(u, orgID) {
		writeMessage(w, http.StatusForbidden, "forbidden")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck

	up, rep, err := s.importer.Submit(r.Context(), orgID, header.Filename, file, u.Username)
	s.respondUpload(w, r, http.StatusCreated, up, rep, err)
}

func (s *Server) resubmitUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	existing, err := s.store.GetUpload(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.authz.CanUpload(userFrom(ctx), existing.OrganizationID) {
		writeMessage(w, http.StatusForbidden, "forbidden")
		return
	}
	up, rep, err := s.importer.Resubmit(ctx, existing.ID)
	s.respondUpload(w, r, http.StatusOK, up, rep, err)
}

// respondUpload reports an upload whose workbook could not be imported as
// 422 with the recorded failure.
func (s *Server) respondUpload(w http.ResponseWriter, r *http.Request, status int, up *model.Upload, rep *importer.Report, err error) {
	if err != nil {
		if up != nil && up.Status == model.UploadFailed {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  up.Error,
				"upload": up,
			})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, uploadResponse{Upload: up, Report: rep})
}
