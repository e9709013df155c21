package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"depot/api/internal/model"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Operator surface: tenant lifecycle and cache administration. The
	// deployment keeps these off the public listener.
	if r.Method == http.MethodPost && r.URL.Path == "/api/caches/clear" {
		s.service.ClearAllCaches()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "repositories" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	repositoryID := parts[2]
	rest := parts[3:]

	if r.Method == http.MethodPost && len(rest) == 1 {
		switch rest[0] {
		case "activate":
			if err := s.service.ActivateRepository(r.Context(), repositoryID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case "deactivate":
			s.service.DeactivateRepository(repositoryID)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "cache" && rest[1] == "clear" {
		s.service.ClearCache(repositoryID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "auth" && rest[1] == "signin" {
		s.handleSignIn(w, r, repositoryID)
		return
	}

	userID, ok := s.requireToken(w, r, repositoryID)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "query" {
		var body struct {
			Statement string `json:"statement"`
			SkipCount int    `json:"skipCount"`
			MaxItems  int    `json:"maxItems"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Statement) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "statement is required", nil)
			return
		}
		payload, err := s.service.Query(r.Context(), repositoryID, userID, body.Statement, body.SkipCount, body.MaxItems)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
			return
		}
		start := queryInt(r, "start", 0)
		rows := queryInt(r, "rows", 50)
		res, err := s.service.FullTextSearch(r.Context(), repositoryID, userID, q, start, rows)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hits": res.Hits, "total": res.Total})
		return
	}

	if len(rest) >= 1 && rest[0] == "types" {
		s.handleTypes(w, r, repositoryID, rest)
		return
	}

	if len(rest) >= 1 && rest[0] == "contents" {
		s.handleContents(w, r, repositoryID, userID, rest)
		return
	}

	if len(rest) >= 1 && rest[0] == "attachments" {
		s.handleAttachments(w, r, repositoryID, rest)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request, repositoryID string) {
	var body struct {
		UserID   string `json:"userId"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		return
	}
	t, err := s.service.SignIn(r.Context(), repositoryID, body.UserID, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      t.Value,
		"userId":     t.UserID,
		"expiration": t.Expiration,
	})
}

func (s *HTTPServer) handleTypes(w http.ResponseWriter, r *http.Request, repositoryID string, rest []string) {
	if r.Method == http.MethodPost && len(rest) == 1 {
		var def model.TypeDefinition
		if err := decodeBody(r, &def); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		addInherited := r.URL.Query().Get("addInheritedProperties") != "false"
		if err := s.service.CreateTypeDefinition(r.Context(), repositoryID, &def, addInherited); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": def.ID})
		return
	}

	if len(rest) == 2 {
		typeID := rest[1]
		switch r.Method {
		case http.MethodGet:
			def, err := s.service.GetTypeDefinition(repositoryID, typeID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, def)
			return
		case http.MethodPut:
			var def model.TypeDefinition
			if err := decodeBody(r, &def); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			def.ID = typeID
			if err := s.service.UpdateTypeDefinition(r.Context(), repositoryID, &def); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		case http.MethodDelete:
			if err := s.service.DeleteTypeDefinition(r.Context(), repositoryID, typeID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if r.Method == http.MethodGet && len(rest) == 3 && rest[2] == "descendants" {
		depth := queryInt(r, "depth", -1)
		includeProperties := r.URL.Query().Get("includeProperties") == "true"
		node, err := s.service.GetTypesDescendants(repositoryID, rest[1], depth, includeProperties)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, node)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleContents(w http.ResponseWriter, r *http.Request, repositoryID, userID string, rest []string) {
	if r.Method == http.MethodPost && len(rest) == 1 {
		var c model.Content
		if err := decodeBody(r, &c); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(c.TypeID) == "" || strings.TrimSpace(c.Name) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "typeId and name are required", nil)
			return
		}
		created, err := s.service.CreateContent(r.Context(), repositoryID, userID, &c)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, created)
		return
	}

	if len(rest) == 2 {
		id := rest[1]
		switch r.Method {
		case http.MethodGet:
			c, err := s.service.GetContent(r.Context(), repositoryID, userID, id)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, c)
			return
		case http.MethodDelete:
			if err := s.service.DeleteContent(r.Context(), repositoryID, id); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if r.Method == http.MethodPut && len(rest) == 3 && rest[2] == "acl" {
		var newACL model.ACL
		if err := decodeBody(r, &newACL); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateACL(r.Context(), repositoryID, rest[1], &newACL); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleAttachments(w http.ResponseWriter, r *http.Request, repositoryID string, rest []string) {
	if r.Method == http.MethodPost && len(rest) == 1 {
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		mimeType := r.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		id, err := s.service.UploadAttachment(r.Context(), repositoryID, name, mimeType, r.Body, r.ContentLength)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
		return
	}

	if r.Method == http.MethodGet && len(rest) == 2 {
		stream, att, err := s.service.DownloadAttachment(r.Context(), repositoryID, rest[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		defer stream.Close()
		w.Header().Set("Content-Type", att.MimeType)
		if att.Name != "" {
			w.Header().Set("Content-Disposition", "attachment; filename=\""+att.Name+"\"")
		}
		if _, err := io.Copy(w, stream); err != nil {
			log.Printf("http: stream attachment %s: %v", rest[1], err)
		}
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// requireToken authenticates the request against the token service. The
// bearer credential is "<userId>:<token>" since tokens are scoped per user.
func (s *HTTPServer) requireToken(w http.ResponseWriter, r *http.Request, repositoryID string) (string, bool) {
	credential := bearerToken(r)
	if credential == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	userID, value, found := strings.Cut(credential, ":")
	if !found || userID == "" || value == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	ok, err := s.service.ValidateToken(r.Context(), repositoryID, userID, value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Token lookup failed", nil)
		return "", false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return userID, true
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
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

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

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
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
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
