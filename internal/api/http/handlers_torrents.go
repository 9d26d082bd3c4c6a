package apihttp

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"torrentd/internal/domain"
)

const callTimeout = 30 * time.Second

func (s *Server) handleTorrents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTorrent(w, r)
	case http.MethodGet:
		s.handleListTorrents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type torrentListResponse struct {
	Items map[string]domain.Status `json:"items"`
	Count int                      `json:"count"`
}

func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keys, ok := parseKeys(w, q.Get("keys"))
	if !ok {
		return
	}
	filter := domain.Filter{
		IDs:  q["id"],
		Name: strings.TrimSpace(q.Get("name")),
	}
	if raw := strings.TrimSpace(q.Get("state")); raw != "" {
		state := domain.TorrentState(raw)
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid state")
			return
		}
		filter.State = state
	}

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	items, err := s.status.GetTorrentsStatus(ctx, filter, keys)
	if err != nil {
		writeDaemonError(w, err)
		return
	}
	if items == nil {
		items = map[string]domain.Status{}
	}
	writeJSON(w, http.StatusOK, torrentListResponse{Items: items, Count: len(items)})
}

func (s *Server) handleCreateTorrent(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case "application/json":
		s.handleCreateTorrentJSON(w, r)
	case "multipart/form-data":
		s.handleCreateTorrentMultipart(w, r)
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported content type")
	}
}

type createTorrentJSON struct {
	Magnet    string `json:"magnet"`
	AddPaused bool   `json:"addPaused,omitempty"`
}

type createTorrentResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateTorrentJSON(w http.ResponseWriter, r *http.Request) {
	var body createTorrentJSON
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	magnet := strings.TrimSpace(body.Magnet)
	if magnet == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "magnet is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	id, err := s.control.AddTorrentMagnet(ctx, magnet, domain.TorrentOptions{AddPaused: body.AddPaused})
	if err != nil {
		writeDaemonError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTorrentResponse{ID: id})
}

func (s *Server) handleCreateTorrentMultipart(w http.ResponseWriter, r *http.Request) {
	const maxMemory = 5 << 20
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("torrent")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing torrent file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxMemory+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unreadable torrent file")
		return
	}
	if len(data) > maxMemory {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "torrent file too large")
		return
	}
	addPaused, _ := strconv.ParseBool(r.FormValue("addPaused"))

	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	id, err := s.control.AddTorrentFile(ctx, header.Filename, data, domain.TorrentOptions{AddPaused: addPaused})
	if err != nil {
		writeDaemonError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTorrentResponse{ID: id})
}

// handleTorrentByID serves /api/torrents/{id} and /api/torrents/{id}/{action}.
func (s *Server) handleTorrentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/torrents/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetTorrent(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.handleDeleteTorrent(w, r, id)
	case action == "pause" && r.Method == http.MethodPost:
		s.handleTorrentAction(w, r, id, s.control.PauseTorrents)
	case action == "resume" && r.Method == http.MethodPost:
		s.handleTorrentAction(w, r, id, s.control.ResumeTorrents)
	case action == "" || action == "pause" || action == "resume":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request, id string) {
	keys, ok := parseKeys(w, r.URL.Query().Get("keys"))
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	status, err := s.status.GetTorrentStatus(ctx, id, keys)
	if err != nil {
		writeDaemonError(w, err)
		return
	}
	if len(status) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "torrent not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDeleteTorrent(w http.ResponseWriter, r *http.Request, id string) {
	deleteFiles := false
	if raw := r.URL.Query().Get("deleteFiles"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid deleteFiles")
			return
		}
		deleteFiles = v
	}
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	if err := s.control.RemoveTorrent(ctx, id, deleteFiles); err != nil {
		writeDaemonError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTorrentAction(w http.ResponseWriter, r *http.Request, id string, fn func(context.Context, ...string) error) {
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()

	if err := fn(ctx, id); err != nil {
		writeDaemonError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseKeys reads a comma separated field list. It writes a 400 and
// reports false when a key is unknown.
func parseKeys(w http.ResponseWriter, raw string) ([]domain.Field, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	keys, err := domain.ParseFields(names)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	return keys, true
}
