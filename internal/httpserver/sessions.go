package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codedrop/broker/internal/metrics"
	"github.com/codedrop/broker/internal/sessionstore"
)

const (
	maxCreateBodyBytes = 16 << 10
	maxFileNameLen     = 255
)

type errorResponse struct {
	Error string `json:"error"`
}

type createSessionRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	Mode     string `json:"mode,omitempty"`
}

type createSessionResponse struct {
	Code      string            `json:"code"`
	SessionID string            `json:"sessionId"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Token     string            `json:"token"`
	Mode      sessionstore.Mode `json:"mode"`
	UploadURL string            `json:"uploadUrl,omitempty"`
}

type sessionResponse struct {
	Code        string            `json:"code"`
	SessionID   string            `json:"sessionId"`
	FileName    string            `json:"fileName"`
	FileSize    int64             `json:"fileSize"`
	MimeType    string            `json:"mimeType"`
	Mode        sessionstore.Mode `json:"mode"`
	Status      string            `json:"status"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Token       string            `json:"token"`
	DownloadURL string            `json:"downloadUrl,omitempty"`
}

type goneResponse struct {
	Status      sessionstore.Status `json:"status"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}

// handleCreateSession godoc
// @Summary Create a transfer session
// @Description Allocates a 6-digit code for a file offer and returns a session token for the sender. In cloud mode a presigned upload URL is included.
// @Tags Sessions
// @Accept json
// @Produce json
// @Param body body createSessionRequest true "File metadata"
// @Success 201 {object} createSessionResponse
// @Failure 400 {object} errorResponse "Invalid metadata"
// @Failure 401 {object} errorResponse "Missing or invalid API credentials"
// @Failure 429 {object} rateLimitResponse "Rate limit exceeded"
// @Failure 503 {object} errorResponse "No free code available"
// @Router /api/sessions [post]
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSONBody(r, maxCreateBodyBytes, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	req.FileName = strings.TrimSpace(req.FileName)
	if req.FileName == "" || len(req.FileName) > maxFileNameLen {
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "fileName is required and must be at most 255 bytes"})
		return
	}
	if req.FileSize < 0 {
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "fileSize must not be negative"})
		return
	}
	mode, err := sessionstore.ParseMode(req.Mode)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "mode must be p2p or cloud"})
		return
	}
	if mode == sessionstore.ModeCloud && s.deps.Presigner == nil {
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Cloud transfers are not enabled"})
		return
	}

	sess, err := s.deps.Store.CreateSession(r.Context(), sessionstore.NewSession{
		FileName:        req.FileName,
		FileSize:        req.FileSize,
		MimeType:        strings.TrimSpace(req.MimeType),
		Mode:            mode,
		ObjectKeyPrefix: s.cfg.Cloud.ObjectPrefix,
	})
	switch {
	case errors.Is(err, sessionstore.ErrInvalidSession), errors.Is(err, sessionstore.ErrInvalidMode):
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, sessionstore.ErrCodeSpaceExhausted):
		s.log.Warn("session code space exhausted")
		WriteJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "No session code available, try again"})
		return
	case err != nil:
		s.deps.Metrics.Inc(metrics.StoreErrors)
		s.log.Error("failed to create session", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to create session"})
		return
	}

	token, _, err := s.deps.Tokens.Issue(sess.ID, sess.Code)
	if err != nil {
		s.log.Error("failed to issue session token", "session_id", sess.ID, "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to create session"})
		return
	}

	resp := createSessionResponse{
		Code:      sess.Code,
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt,
		Token:     token,
		Mode:      sess.Mode,
	}
	if sess.Mode == sessionstore.ModeCloud {
		resp.UploadURL, err = s.deps.Presigner.PresignUpload(r.Context(), sess.ObjectKey)
		if err != nil {
			s.log.Error("failed to presign upload", "session_id", sess.ID, "err", err)
			WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to create upload URL"})
			return
		}
	}

	s.deps.Metrics.Inc(metrics.SessionsCreated)
	s.log.Info("session created", "session_id", sess.ID, "mode", sess.Mode, "file_size", sess.FileSize)
	WriteJSON(w, http.StatusCreated, resp)
}

// handleGetSession godoc
// @Summary Look up a session by code
// @Description Returns file metadata and a fresh session token for a pending session. Finished sessions answer 410 with their terminal status.
// @Tags Sessions
// @Produce json
// @Param code path string true "6-digit session code"
// @Success 200 {object} sessionResponse
// @Failure 404 {object} errorResponse "Unknown code"
// @Failure 410 {object} goneResponse "Session completed, cancelled or expired"
// @Failure 429 {object} rateLimitResponse "Rate limit exceeded"
// @Router /api/sessions/{code} [get]
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !sessionstore.ValidCode(code) {
		WriteJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found"})
		return
	}

	s.deps.Metrics.Inc(metrics.SessionLookups)
	sess, err := s.deps.Store.GetSessionByCode(r.Context(), code)
	if errors.Is(err, sessionstore.ErrNotFound) {
		WriteJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found"})
		return
	}
	if err != nil {
		s.deps.Metrics.Inc(metrics.StoreErrors)
		s.log.Error("session lookup failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Session lookup failed"})
		return
	}

	status := sess.EffectiveStatus(s.now())
	if status != sessionstore.StatusPending {
		resp := goneResponse{Status: status}
		if status == sessionstore.StatusCompleted {
			resp.CompletedAt = sess.CompletedAt
		}
		WriteJSON(w, http.StatusGone, resp)
		return
	}

	token, _, err := s.deps.Tokens.Issue(sess.ID, sess.Code)
	if err != nil {
		s.log.Error("failed to issue session token", "session_id", sess.ID, "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Session lookup failed"})
		return
	}

	resp := sessionResponse{
		Code:      sess.Code,
		SessionID: sess.ID,
		FileName:  sess.FileName,
		FileSize:  sess.FileSize,
		MimeType:  sess.MimeType,
		Mode:      sess.Mode,
		Status:    string(status),
		ExpiresAt: sess.ExpiresAt,
		Token:     token,
	}
	if sess.Mode == sessionstore.ModeCloud && s.deps.Presigner != nil {
		resp.DownloadURL, err = s.deps.Presigner.PresignDownload(r.Context(), sess.ObjectKey)
		if err != nil {
			s.log.Error("failed to presign download", "session_id", sess.ID, "err", err)
			WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to create download URL"})
			return
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) rejectUnauthorized(w http.ResponseWriter, r *http.Request, err error) {
	s.deps.Metrics.Inc(metrics.SessionCreateRejected)
	s.log.Debug("session creation rejected", "remote_addr", r.RemoteAddr, "err", err)
	WriteJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
}

// decodeJSONBody decodes exactly one JSON value of at most limit bytes.
func decodeJSONBody(r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}
