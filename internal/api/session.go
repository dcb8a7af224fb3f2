package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ledgerline/session-core/internal/audit"
	"github.com/ledgerline/session-core/internal/authapi"
	"github.com/ledgerline/session-core/internal/session"
)

// sessionView is the redacted session exposed over the API. Tokens
// stay inside the daemon.
type sessionView struct {
	DeviceID    string    `json:"device_id"`
	IssuedAt    time.Time `json:"issued_at"`
	LastRefresh time.Time `json:"last_refresh"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// stateView is the AuthState shape shells receive, over REST and over
// the WebSocket push alike.
type stateView struct {
	State         session.State         `json:"state"`
	User          *authapi.User         `json:"user,omitempty"`
	Session       *sessionView          `json:"session,omitempty"`
	Loading       bool                  `json:"loading"`
	Err           string                `json:"error,omitempty"`
	KYCStatus     session.KYCStatus     `json:"kyc_status"`
	SecurityLevel session.SecurityLevel `json:"security_level"`
	MFARequired   bool                  `json:"mfa_required"`
	LastActivity  time.Time             `json:"last_activity"`
}

// redactState strips token material from a controller snapshot.
func redactState(state session.AuthState) stateView {
	view := stateView{
		State:         state.State,
		User:          state.User,
		Loading:       state.Loading,
		Err:           state.Err,
		KYCStatus:     state.KYCStatus,
		SecurityLevel: state.SecurityLevel,
		MFARequired:   state.MFARequired,
		LastActivity:  state.LastActivity,
	}
	if state.Session != nil {
		view.Session = &sessionView{
			DeviceID:    string(state.Session.DeviceID),
			IssuedAt:    state.Session.IssuedAt,
			LastRefresh: state.Session.LastRefresh,
			ExpiresAt:   state.Session.ExpiresAt,
		}
	}
	return view
}

// handleGetSession returns the current session state.
func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, redactState(s.controller.Snapshot()))
}

// handleLogin drives the login operation.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	state, err := s.controller.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactState(state))
}

// handleVerifyMFA drives the second-factor verification.
func (s *Server) handleVerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string `json:"code"`
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}
	if !s.isAllowedMFAMethod(req.Method) {
		writeBadRequest(w, "unsupported MFA method: "+req.Method)
		return
	}

	verified, err := s.controller.VerifyMFA(r.Context(), req.Code, req.Method)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verified": verified,
		"state":    redactState(s.controller.Snapshot()),
	})
}

// handleRefresh forces a token rotation outside the regular schedule.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Refresh(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactState(s.controller.Snapshot()))
}

// handleLogout ends the session. Always succeeds locally.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.controller.Logout(r.Context())
	writeJSON(w, http.StatusOK, redactState(s.controller.Snapshot()))
}

// handleActivity records user activity, resetting the idle clock
// across all clients of the session.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.controller.TouchActivity(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleKYC accepts a multipart document upload and forwards it to the
// backend through the controller.
func (s *Server) handleKYC(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRequestBodySize); err != nil {
		writeBadRequest(w, "invalid multipart payload")
		return
	}

	var documents []authapi.Document
	for field, headers := range r.MultipartForm.File {
		for _, header := range headers {
			file, err := header.Open()
			if err != nil {
				writeBadRequest(w, "unreadable file part: "+field)
				return
			}
			content, err := io.ReadAll(file)
			file.Close() //nolint:errcheck // read-only part
			if err != nil {
				writeBadRequest(w, "unreadable file part: "+field)
				return
			}
			documents = append(documents, authapi.Document{
				Name:     field,
				Filename: header.Filename,
				Content:  content,
			})
		}
	}
	if len(documents) == 0 {
		writeBadRequest(w, "no documents in payload")
		return
	}

	if err := s.controller.UpdateKYC(r.Context(), documents); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactState(s.controller.Snapshot()))
}

// handleAudit lists audit trail events with optional filters.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeNotFound(w, "audit trail not configured")
		return
	}

	query := r.URL.Query()
	filter := audit.Filter{
		Action:   query.Get("action"),
		Outcome:  query.Get("outcome"),
		UserID:   query.Get("user_id"),
		DeviceID: query.Get("device_id"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeInternalError(w, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// isAllowedMFAMethod checks the method against the configured
// whitelist. An empty whitelist accepts anything the backend accepts.
func (s *Server) isAllowedMFAMethod(method string) bool {
	if len(s.secCfg.MFAMethods) == 0 {
		return true
	}
	for _, allowed := range s.secCfg.MFAMethods {
		if allowed == method {
			return true
		}
	}
	return false
}

// writeSessionError maps controller errors onto HTTP responses. The
// backend's own rejections keep their status and message.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyCredentials):
		writeBadRequest(w, err.Error())
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, session.ErrNoPendingMFA), errors.Is(err, session.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, session.ErrSuperseded):
		writeError(w, http.StatusConflict, ErrCodeConflict, "session changed while the request was in flight")
	default:
		if be, ok := authapi.IsBackendError(err); ok {
			writeError(w, be.StatusCode, ErrCodeUpstream, be.Message)
			return
		}
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}
