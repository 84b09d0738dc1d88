package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/tracelab/backend/internal/series"
	"github.com/tracelab/backend/internal/store"
)

// handleUpload accepts one multipart file, persists the raw bytes under
// {dataDir}/{folderId}/{fileId}/ and enqueues a parse task.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	folderID := r.FormValue("data")
	if folderID == "" {
		writeError(w, http.StatusBadRequest, "missing folder id in form field 'data'")
		return
	}
	user := r.FormValue("user")
	if user == "" {
		user = "unknown"
	}
	if _, err := s.store.GetFolder(ctx, folderID); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("folder %s not found", folderID))
		return
	}

	upload, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer upload.Close()

	fileID := uuid.NewString()
	relDir := folderID + "/" + fileID
	dir := filepath.Join(s.dataDir, folderID, fileID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create upload directory")
		return
	}
	name := filepath.Base(header.Filename)
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	if _, err := io.Copy(dst, upload); err != nil {
		dst.Close()
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	dst.Close()

	labelID := uuid.NewString()
	if err := s.store.CreateLabel(ctx, &store.LabelRecord{ID: labelID}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create label record")
		return
	}
	record := &store.FileRecord{
		ID:           fileID,
		Name:         name,
		RawPath:      relDir + "/" + name,
		Parsing:      store.ParsingQueued,
		Label:        labelID,
		LastModifier: user,
		LastUpdate:   time.Now().UTC(),
	}
	if err := s.store.CreateFile(ctx, record); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create file record")
		return
	}
	if err := s.store.AddFileToFolder(ctx, folderID, fileID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to attach file to folder")
		return
	}

	if _, err := s.queue.Enqueue(ctx, fileID, map[string]string{"uploader": user}); err != nil {
		slog.Error("failed to enqueue parse task", "fileId", fileID, "error", err)
		if uerr := s.store.UpdateFile(ctx, fileID, map[string]any{
			"parsing": store.ParsingError(err),
		}); uerr != nil {
			slog.Error("failed to record enqueue error", "fileId", fileID, "error", uerr)
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue parse task")
		return
	}

	slog.Info("file uploaded", "fileId", fileID, "folderId", folderID, "name", name, "user", user)
	writeJSON(w, http.StatusOK, map[string]string{"message": "done", "fileId": fileID})
}

// handleGetFile returns the record plus its chart data: the overview for
// binary files, the full JSON otherwise.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	file, err := s.store.GetFile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", id))
		return
	}

	var data any
	switch {
	case file.UseBinaryFormat && file.OverviewPath != "":
		var overview struct {
			Meta jsoniter.RawMessage `json:"meta"`
			Data jsoniter.RawMessage `json:"data"`
		}
		if err := s.readArtifact(file.OverviewPath, &overview); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read overview")
			return
		}
		data = overview.Data
	case file.JSONPath != "":
		var traces jsoniter.RawMessage
		if err := s.readArtifact(file.JSONPath, &traces); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read data")
			return
		}
		data = traces
	}

	writeJSON(w, http.StatusOK, map[string]any{"fileInfo": file, "data": data})
}

// handleListFiles returns the records named by the filesId query parameter,
// a JSON-encoded array of ids.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	rawIDs := r.URL.Query().Get("filesId")
	if rawIDs == "" {
		writeError(w, http.StatusBadRequest, "missing filesId query parameter")
		return
	}
	var ids []string
	if err := json.UnmarshalFromString(rawIDs, &ids); err != nil {
		writeError(w, http.StatusBadRequest, "filesId must be a JSON array of ids")
		return
	}
	files, err := s.store.ListFiles(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleDeleteFiles removes the files, their labels, their artifacts on disk
// and their folder references.
func (s *Server) handleDeleteFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		FilesID []string `json:"filesId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	deleted := 0
	for _, id := range req.FilesID {
		file, err := s.store.GetFile(ctx, id)
		if err != nil {
			continue
		}
		if folder, err := s.store.FolderForFile(ctx, id); err == nil {
			if err := s.store.RemoveFileFromFolder(ctx, folder.ID, id); err != nil {
				slog.Error("failed to detach file from folder", "fileId", id, "error", err)
			}
		}
		if file.Label != "" {
			if err := s.store.DeleteLabel(ctx, file.Label); err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Error("failed to delete label", "fileId", id, "error", err)
			}
		}
		if file.BinaryPath != "" {
			s.readers.Evict(filepath.Join(s.dataDir, filepath.FromSlash(file.BinaryPath)))
		}
		if file.RawPath != "" {
			dir := filepath.Dir(filepath.Join(s.dataDir, filepath.FromSlash(file.RawPath)))
			if err := os.RemoveAll(dir); err != nil {
				slog.Error("failed to remove file directory", "fileId", id, "error", err)
			}
		}
		if err := s.store.DeleteFile(ctx, id); err != nil {
			slog.Error("failed to delete file record", "fileId", id, "error", err)
			continue
		}
		deleted++
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleReparse re-enqueues every file of a folder. Stale binary artifacts
// are overwritten in place by the worker; the reader cache entry is evicted
// so the next viewport sees the new mapping.
func (s *Server) handleReparse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		FolderID string `json:"folderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FolderID == "" {
		writeError(w, http.StatusBadRequest, "missing folderId")
		return
	}
	folder, err := s.store.GetFolder(ctx, req.FolderID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("folder %s not found", req.FolderID))
		return
	}

	queued := 0
	for _, fileID := range folder.FileList {
		file, err := s.store.GetFile(ctx, fileID)
		if err != nil {
			continue
		}
		if file.BinaryPath != "" {
			s.readers.Evict(filepath.Join(s.dataDir, filepath.FromSlash(file.BinaryPath)))
		}
		if err := s.store.UpdateFile(ctx, fileID, map[string]any{"parsing": store.ParsingQueued}); err != nil {
			slog.Error("failed to mark file queued", "fileId", fileID, "error", err)
			continue
		}
		if _, err := s.queue.Enqueue(ctx, fileID, map[string]string{"reason": "reparse"}); err != nil {
			slog.Error("failed to enqueue reparse", "fileId", fileID, "error", err)
			continue
		}
		queued++
	}
	slog.Info("folder reparse queued", "folderId", req.FolderID, "files", queued)
	writeJSON(w, http.StatusOK, map[string]int{"queued": queued})
}

// handleUpdateDescriptions merges new descriptions into the named files.
func (s *Server) handleUpdateDescriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req []struct {
		FileID      string `json:"fileId"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated := 0
	for _, item := range req {
		if err := s.store.UpdateFile(ctx, item.FileID, map[string]any{
			"description": item.Description,
			"lastUpdate":  time.Now().UTC(),
		}); err != nil {
			slog.Error("failed to update description", "fileId", item.FileID, "error", err)
			continue
		}
		updated++
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

// handleDownloadJSON bulk-exports full JSON data for the named files, gated
// by the download password.
func (s *Server) handleDownloadJSON(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		FilesID  []string `json:"filesId"`
		Password string   `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.password == "" || req.Password != s.password {
		writeError(w, http.StatusUnauthorized, "invalid download password")
		return
	}

	out := make(map[string]jsoniter.RawMessage, len(req.FilesID))
	for _, id := range req.FilesID {
		file, err := s.store.GetFile(ctx, id)
		if err != nil || file.JSONPath == "" {
			continue
		}
		var traces jsoniter.RawMessage
		if err := s.readArtifact(file.JSONPath, &traces); err != nil {
			slog.Error("failed to read json artifact", "fileId", id, "error", err)
			continue
		}
		out[id] = traces
	}
	writeJSON(w, http.StatusOK, out)
}

// readArtifact decodes one JSON artifact relative to the data directory.
func (s *Server) readArtifact(relPath string, v any) error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, filepath.FromSlash(relPath)))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// readTraces loads the full JSON artifact as typed traces. String x values
// (time axes stored verbatim) degrade to synthesized indices.
func (s *Server) readTraces(relPath string) ([]series.Trace, error) {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, err
	}
	var probe []struct {
		X     bool   `json:"x"`
		Name  string `json:"name"`
		Unit  string `json:"unit"`
		Color string `json:"color"`
		Data  []any  `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	out := make([]series.Trace, 0, len(probe))
	for _, p := range probe {
		t := series.Trace{X: p.X, Name: p.Name, Unit: p.Unit, Color: p.Color}
		numeric := true
		for _, v := range p.Data {
			if _, ok := v.(float64); !ok {
				numeric = false
				break
			}
		}
		if numeric {
			t.Data = make([]float64, len(p.Data))
			for i, v := range p.Data {
				t.Data[i] = v.(float64)
			}
		} else {
			// Time axis stored as strings: indices are the x coordinate.
			t.Data = make([]float64, len(p.Data))
			for i := range p.Data {
				t.Data[i] = float64(i)
			}
		}
		out = append(out, t)
	}
	return out, nil
}
