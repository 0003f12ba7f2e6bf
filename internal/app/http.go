package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/tempandmajor/ottowrite-sub000/internal/auth"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	return corsHandler.Handler(s.withMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	switch parts[1] {
	case "documents":
		s.handleDocuments(w, r, session, parts[2:])
	case "branches":
		s.handleBranches(w, r, session, parts[2:])
	case "commits":
		if len(parts) == 3 && r.Method == http.MethodGet {
			commit, err := s.service.GetCommit(r.Context(), session, parts[2])
			s.respond(w, r, http.StatusOK, commit, err)
			return
		}
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	case "merges":
		s.handleMerges(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}

	for name, err := range s.service.Readiness(ctx) {
		if err == nil {
			checks[name] = map[string]any{"status": "ok"}
			continue
		}
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks[name] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleDocuments serves /api/documents[/{id}[/...]].
func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body CreateDocumentInput
		if !s.decode(w, r, &body) {
			return
		}
		doc, err := s.service.CreateDocument(ctx, session, body)
		s.respond(w, r, http.StatusCreated, doc, err)
		return
	}

	documentID := rest[0]
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		doc, err := s.service.GetDocument(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, doc, err)

	case len(rest) == 2 && rest[1] == "autosave" && r.Method == http.MethodPut:
		var body AutosaveInput
		if !s.decode(w, r, &body) {
			return
		}
		body.DocumentID = documentID
		result, err := s.service.Autosave(ctx, session, body)
		s.respond(w, r, http.StatusOK, result, err)

	case len(rest) == 2 && rest[1] == "branches" && r.Method == http.MethodGet:
		branches, err := s.service.ListBranches(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, map[string]any{"branches": branches}, err)

	case len(rest) == 2 && rest[1] == "branches" && r.Method == http.MethodPost:
		var body CreateBranchInput
		if !s.decode(w, r, &body) {
			return
		}
		body.DocumentID = documentID
		branch, err := s.service.CreateBranch(ctx, session, body)
		s.respond(w, r, http.StatusCreated, branch, err)

	case len(rest) == 3 && rest[1] == "commits" && rest[2] == "search" && r.Method == http.MethodGet:
		resp, err := s.service.SearchCommits(ctx, session, documentID, r.URL.Query().Get("q"), queryLimit(r))
		s.respond(w, r, http.StatusOK, resp, err)

	case len(rest) == 2 && rest[1] == "undo" && r.Method == http.MethodDelete:
		err := s.service.ClearUndo(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case len(rest) == 3 && rest[1] == "undo":
		s.handleUndo(w, r, session, documentID, rest[2])

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleUndo(w http.ResponseWriter, r *http.Request, session Session, documentID, action string) {
	ctx := r.Context()
	switch {
	case action == "push" && r.Method == http.MethodPost:
		var body PushUndoInput
		if !s.decode(w, r, &body) {
			return
		}
		result, err := s.service.PushUndo(ctx, session, documentID, body)
		s.respond(w, r, http.StatusCreated, result, err)
	case action == "undo" && r.Method == http.MethodPost:
		result, err := s.service.Undo(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, result, err)
	case action == "redo" && r.Method == http.MethodPost:
		result, err := s.service.Redo(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, result, err)
	case action == "state" && r.Method == http.MethodGet:
		state, err := s.service.UndoState(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, state, err)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

// handleBranches serves /api/branches/{id}[/...].
func (s *HTTPServer) handleBranches(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}
	ctx := r.Context()
	branchID := rest[0]

	switch {
	case len(rest) == 1 && r.Method == http.MethodDelete:
		err := s.service.DeleteBranch(ctx, session, branchID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case len(rest) == 2 && rest[1] == "activate" && r.Method == http.MethodPost:
		var body ActivateBranchInput
		if !s.decode(w, r, &body) {
			return
		}
		result, err := s.service.ActivateBranch(ctx, session, branchID, body)
		s.respond(w, r, http.StatusOK, result, err)

	case len(rest) == 2 && rest[1] == "commits" && r.Method == http.MethodGet:
		commits, err := s.service.ListCommits(ctx, session, branchID, queryLimit(r))
		s.respond(w, r, http.StatusOK, map[string]any{"commits": commits}, err)

	case len(rest) == 2 && rest[1] == "commits" && r.Method == http.MethodPost:
		var body CreateCommitInput
		if !s.decode(w, r, &body) {
			return
		}
		body.BranchID = branchID
		commit, err := s.service.CreateCommit(ctx, session, body)
		s.respond(w, r, http.StatusCreated, commit, err)

	case len(rest) == 3 && rest[1] == "commits" && rest[2] == "latest" && r.Method == http.MethodGet:
		commit, err := s.service.LatestCommit(ctx, session, branchID)
		s.respond(w, r, http.StatusOK, map[string]any{"commit": commit}, err)

	case len(rest) == 2 && rest[1] == "archive" && r.Method == http.MethodGet:
		entries, err := s.service.ArchiveHistory(ctx, session, branchID, queryLimit(r))
		s.respond(w, r, http.StatusOK, map[string]any{"entries": entries}, err)

	case len(rest) == 3 && rest[1] == "archive" && r.Method == http.MethodGet:
		body, err := s.service.ArchivedContent(ctx, session, branchID, rest[2])
		s.respond(w, r, http.StatusOK, map[string]any{"hash": rest[2], "content": body}, err)

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleMerges(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body MergeInput
		if !s.decode(w, r, &body) {
			return
		}
		result, err := s.service.Merge(ctx, session, body)
		s.respond(w, r, http.StatusOK, result, err)
	case len(rest) == 1 && r.Method == http.MethodGet:
		view, err := s.service.GetMerge(ctx, session, rest[0])
		s.respond(w, r, http.StatusOK, view, err)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("request failed", "request_id", RequestID(r.Context()), "code", code, "error", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServer, "Server error", nil
}
