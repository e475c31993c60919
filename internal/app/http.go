package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"groundwork/sync/internal/history"
	"groundwork/sync/internal/project"
	"groundwork/sync/internal/search"
	"groundwork/sync/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

// Handler routes /ws straight to the hub (the upgrade needs the raw
// ResponseWriter) and everything else through the logging middleware.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.service.Hub().HandleWS)
	mux.Handle("/", s.withMiddleware(http.HandlerFunc(s.handle)))
	return mux
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
			"redis":    map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingRedis(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/project/load" {
		projectID := strings.TrimSpace(r.URL.Query().Get("project"))
		if projectID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "project is required", nil)
			return
		}
		var snap project.Snapshot
		if err := decodeBody(r, &snap); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		accepted, err := s.service.ImportProject(r.Context(), projectID, &snap)
		if err != nil {
			writeError(w, http.StatusConflict, "IMPORT_REJECTED", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updatedAt": accepted.UpdatedAt})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/project/save" {
		projectID := strings.TrimSpace(r.URL.Query().Get("project"))
		if projectID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "project is required", nil)
			return
		}
		snap, err := s.service.ExportProject(r.Context(), projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not load project", nil)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", projectID+".json"))
		writeJSON(w, http.StatusOK, snap)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/project/status" {
		projectID := strings.TrimSpace(r.URL.Query().Get("project"))
		status, ok := s.service.SaveStatus(projectID)
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "No live room for project", nil)
			return
		}
		payload := map[string]any{
			"connected":   s.service.Hub().ConnectedCount(projectID),
			"lastSavedAt": nil,
			"lastError":   nil,
		}
		if !status.LastSavedAt.IsZero() {
			payload["lastSavedAt"] = status.LastSavedAt.UnixMilli()
		}
		if status.LastErr != nil {
			payload["lastError"] = status.LastErr.Error()
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/project/history" {
		projectID := strings.TrimSpace(r.URL.Query().Get("project"))
		if projectID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "project is required", nil)
			return
		}
		if hash := strings.TrimSpace(r.URL.Query().Get("hash")); hash != "" {
			snap, err := s.service.HistorySnapshot(projectID, hash)
			if err != nil {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "Version not found", nil)
				return
			}
			writeJSON(w, http.StatusOK, snap)
			return
		}
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
				return
			}
			limit = parsed
		}
		entries, err := s.service.History(projectID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list history", nil)
			return
		}
		if entries == nil {
			entries = []history.CommitInfo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": entries})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		projectID := strings.TrimSpace(r.URL.Query().Get("project"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}
		payload := s.service.Search(search.Query{
			Text:       q,
			ProjectID:  projectID,
			FilterType: search.ResultType(filterType),
			Limit:      limit,
			Offset:     offset,
		})
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

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
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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
