package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/backup"
	"github.com/JakeFAU/searchguard/internal/bypass"
	"github.com/JakeFAU/searchguard/internal/control"
	"github.com/JakeFAU/searchguard/internal/indicator"
	"github.com/JakeFAU/searchguard/internal/options"
	"github.com/JakeFAU/searchguard/internal/state"
)

// handle forwards req to the control service and writes the Ack.
func (s *Server) handle(w http.ResponseWriter, r *http.Request, req control.Request) (control.Ack, bool) {
	req.ID = requestID(r.Context())
	ack := s.svc.Handle(r.Context(), req)
	status := http.StatusOK
	if !ack.OK() {
		status = http.StatusInternalServerError
		if req.Type == control.BlockAndRedirect {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, ack)
	return ack, ack.OK()
}

func (s *Server) setState(w http.ResponseWriter, r *http.Request, patch state.Patch) (control.Ack, bool) {
	return s.handle(w, r, control.Request{Type: control.SetState, Patch: &patch})
}

func (s *Server) current(w http.ResponseWriter, r *http.Request) (state.Configuration, bool) {
	cfg, err := s.svc.Store().Get(r.Context())
	if err != nil {
		s.logger.Error("read state failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read state")
		return state.Configuration{}, false
	}
	return cfg, true
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, control.Request{Type: control.GetState})
}

func (s *Server) patchState(w http.ResponseWriter, r *http.Request) {
	var patch state.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.setState(w, r, patch)
}

func (s *Server) incrementBlocked(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, control.Request{Type: control.IncrementBlockedCount})
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	var req control.BlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TabID == "" {
		writeError(w, http.StatusBadRequest, "tabId is required")
		return
	}
	s.handle(w, r, control.Request{Type: control.BlockAndRedirect, Block: &req})
}

type statusResponse struct {
	Status       string `json:"status"`
	Bypassed     bool   `json:"bypassed"`
	RemainingMin int64  `json:"remainingMinutes,omitempty"`
	Words        int    `json:"words"`
	BlockedCount int64  `json:"blockedCount"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.current(w, r)
	if !ok {
		return
	}
	now := s.clock.Now()
	st := bypass.StatusAt(cfg, now)
	writeJSON(w, http.StatusOK, statusResponse{
		Status:       options.StatusLine(cfg, now),
		Bypassed:     st.Bypassed,
		RemainingMin: st.RemainingMinutes,
		Words:        len(cfg.WordList),
		BlockedCount: cfg.BlockedCount,
	})
}

type indicatorResponse struct {
	indicator.Indicator
	Visible bool `json:"visible"`
}

func (s *Server) indicator(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.current(w, r)
	if !ok {
		return
	}
	ind := indicator.Compute(cfg, s.clock.Now())
	writeJSON(w, http.StatusOK, indicatorResponse{Indicator: ind, Visible: ind.Visible()})
}

// wordsText reads a word list either as a JSON {"text": "..."} body or as
// plain line-delimited text.
func wordsText(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		var req struct {
			Text  string   `json:"text"`
			Words []string `json:"words"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return "", fmt.Errorf("decode body: %w", err)
		}
		if req.Text == "" {
			return strings.Join(req.Words, "\n"), nil
		}
		return req.Text, nil
	}
	return string(body), nil
}

func (s *Server) putWords(w http.ResponseWriter, r *http.Request) {
	text, err := wordsText(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.setState(w, r, state.WithWordList(options.ParseWordList(text)))
}

func (s *Server) addWords(w http.ResponseWriter, r *http.Request) {
	text, err := wordsText(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, ok := s.current(w, r)
	if !ok {
		return
	}
	s.setState(w, r, state.WithWordList(options.AddWords(cfg.WordList, text)))
}

func (s *Server) deleteWord(w http.ResponseWriter, r *http.Request) {
	word, err := url.PathUnescape(chi.URLParam(r, "word"))
	if err != nil || strings.TrimSpace(word) == "" {
		writeError(w, http.StatusBadRequest, "invalid word")
		return
	}
	cfg, ok := s.current(w, r)
	if !ok {
		return
	}
	next := options.RemoveWord(cfg.WordList, word)
	if len(next) == len(cfg.WordList) {
		writeError(w, http.StatusNotFound, "word not found")
		return
	}
	s.setState(w, r, state.WithWordList(next))
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var patch state.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	s.setState(w, r, state.Patch{Settings: &patch})
}

type bypassRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) startBypass(w http.ResponseWriter, r *http.Request) {
	var req bypassRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	now := s.clock.Now()
	patch, err := options.BypassPatch(now, req.Minutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.setState(w, r, patch); ok {
		evt := activity.New(activity.KindBypassStarted, now)
		evt.Note = fmt.Sprintf("%d minutes", req.Minutes)
		s.emitter.Emit(evt)
	}
}

func (s *Server) stopBypass(w http.ResponseWriter, r *http.Request) {
	s.setState(w, r, options.CancelBypassPatch())
}

func (s *Server) export(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.current(w, r)
	if !ok {
		return
	}
	name := options.BackupFileName(s.clock.Now())
	var (
		data        []byte
		err         error
		contentType = "application/json"
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		data, err = options.ExportJSON(cfg)
	case "yaml", "yml":
		data, err = options.ExportYAML(cfg)
		contentType = "application/yaml"
		name = strings.TrimSuffix(name, ".json") + ".yaml"
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
		return
	}
	if err != nil {
		s.logger.Error("export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write export failed", zap.Error(err))
	}
}

func (s *Server) importState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	patch, err := options.ImportJSON(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.setState(w, r, patch)
}

func (s *Server) backup(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, backup.ErrNoStore.Error())
		return
	}
	res, err := s.backups.Backup(r.Context())
	if err != nil {
		s.logger.Error("backup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type restoreRequest struct {
	Path string `json:"path"`
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeError(w, http.StatusServiceUnavailable, backup.ErrNoStore.Error())
		return
	}
	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	cfg, err := s.backups.Restore(r.Context(), req.Path)
	switch {
	case errors.Is(err, options.ErrInvalidImport):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, control.Ack{RequestID: requestID(r.Context()), Status: control.StatusOK, State: &cfg})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.svc.Store().Subscribe(16)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case change, open := <-sub.C():
			if !open {
				return
			}
			if err := control.WriteEvent(w, change); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
