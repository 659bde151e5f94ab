package fakeserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/beam-cloud/orchfs/pkg/types"
)

// InvalidMarker makes validation fail when present in a submitted body.
const InvalidMarker = "__invalid__"

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.authDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Username != Username || req.Password != Password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.issued++
	token := fmt.Sprintf("tok-%d", s.issued)
	s.tokens[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "Bearer"})
}

func (s *Server) handleRevocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	delete(s.tokens, req.Token)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	v := s.version
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"version": v})
}

func summary(rec *Record) map[string]any {
	out := map[string]any{
		"id":        rec.ID,
		"name":      rec.Name,
		"createdAt": rec.CreatedAt,
		"updatedAt": rec.UpdatedAt,
		"signed":    rec.Signed,
		"status":    rec.Status,
	}
	if len(rec.Tags) > 0 {
		out["tags"] = rec.Tags
	}
	return out
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, kind types.ResourceKind) {
	fields := r.URL.Query().Get("fields")

	s.mu.Lock()
	var recs []*Record
	for _, rec := range s.records {
		if rec.Kind == kind {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		m := summary(rec)
		switch {
		case kind == types.KindTemplate && strings.Contains(fields, "data"):
			m["data"] = rec.Definition
		case strings.Contains(fields, "definition"):
			m["definition"] = rec.Definition
		}
		if kind == types.KindWorkflow && strings.Contains(fields, "readme") {
			m["readme"] = rec.Readme
		}
		if kind == types.KindWorkflow && strings.Contains(fields, "ui") && rec.UI != nil {
			m["ui"] = rec.UI
		}
		out = append(out, m)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func validation(body string) (map[string]any, bool) {
	if strings.Contains(body, InvalidMarker) {
		return map[string]any{"valid": false, "errors": []string{"line 1: unexpected " + InvalidMarker}}, false
	}
	return map[string]any{"valid": true, "errors": []string{}}, true
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, kind types.ResourceKind) {
	body, _ := io.ReadAll(r.Body)
	if _, err := declaredName(string(body)); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "errors": []string{err.Error()}})
		return
	}
	result, _ := validation(string(body))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, kind types.ResourceKind) {
	body, _ := io.ReadAll(r.Body)
	name, err := declaredName(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName(kind, name) != nil {
		http.Error(w, "name already in use", http.StatusConflict)
		return
	}
	now := s.now()
	rec := &Record{
		ID:         uuid.NewString(),
		Kind:       kind,
		Name:       name,
		Definition: string(body),
		Status:     types.StatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.records[rec.ID] = rec
	writeJSON(w, http.StatusCreated, summary(rec))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, kind types.ResourceKind) *Record {
	rec, ok := s.records[r.PathValue("id")]
	if !ok || rec.Kind != kind {
		http.NotFound(w, r)
		return nil
	}
	return rec
}

func (s *Server) handlePutDefinition(w http.ResponseWriter, r *http.Request, kind types.ResourceKind) {
	body, _ := io.ReadAll(r.Body)
	name, err := declaredName(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, kind)
	if rec == nil {
		return
	}
	if rec.Signed {
		http.Error(w, "signed resources are read-only", http.StatusForbidden)
		return
	}
	if rec.Status != types.StatusDraft {
		http.Error(w, "resource must be in DRAFT status", http.StatusConflict)
		return
	}
	if other := s.byName(kind, name); other != nil && other.ID != rec.ID {
		http.Error(w, "name already in use", http.StatusConflict)
		return
	}
	rec.Name = name
	rec.Definition = string(body)
	rec.UpdatedAt = s.now()
	writeJSON(w, http.StatusOK, summary(rec))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, kind types.ResourceKind) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Status != types.StatusDraft && req.Status != types.StatusPublished {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, kind)
	if rec == nil {
		return
	}
	if rec.Signed {
		http.Error(w, "signed resources are read-only", http.StatusForbidden)
		return
	}
	rec.Status = req.Status
	writeJSON(w, http.StatusOK, summary(rec))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, kind types.ResourceKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, kind)
	if rec == nil {
		return
	}
	if rec.Signed {
		http.Error(w, "signed resources are read-only", http.StatusForbidden)
		return
	}
	if kind.HasDraftCycle() && rec.Status != types.StatusDraft {
		http.Error(w, "resource must be in DRAFT status", http.StatusConflict)
		return
	}
	delete(s.records, rec.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request, kind types.ResourceKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, kind)
	if rec == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, rec.Definition)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, types.KindWorkflow)
	if rec == nil {
		return
	}
	m := summary(rec)
	m["readme"] = rec.Readme
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePutReadme(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Readme string `json:"readme"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, types.KindWorkflow)
	if rec == nil {
		return
	}
	rec.Readme = &req.Readme
	rec.UpdatedAt = s.now()
	writeJSON(w, http.StatusOK, summary(rec))
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, types.KindWorkflow)
	if rec == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if rec.UI == nil {
		io.WriteString(w, "{}")
		return
	}
	w.Write(rec.UI)
}

func (s *Server) handlePutView(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if !json.Valid(body) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, types.KindWorkflow)
	if rec == nil {
		return
	}
	rec.UI = json.RawMessage(body)
	rec.UpdatedAt = s.now()
	writeJSON(w, http.StatusOK, summary(rec))
}

type templateBody struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

func (s *Server) handleValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	result, _ := validation(req.Data)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName(types.KindTemplate, req.Name) != nil {
		http.Error(w, "name already in use", http.StatusConflict)
		return
	}
	now := s.now()
	rec := &Record{
		ID:         uuid.NewString(),
		Kind:       types.KindTemplate,
		Name:       req.Name,
		Definition: req.Data,
		Status:     types.StatusPublished,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.records[rec.ID] = rec
	writeJSON(w, http.StatusCreated, summary(rec))
}

func templateDocument(rec *Record) map[string]any {
	m := summary(rec)
	for k, v := range rec.Meta {
		m[k] = v
	}
	m["data"] = rec.Definition
	return m
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, types.KindTemplate)
	if rec == nil {
		return
	}
	writeJSON(w, http.StatusOK, templateDocument(rec))
}

func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(w, r, types.KindTemplate)
	if rec == nil {
		return
	}
	if rec.Signed {
		http.Error(w, "signed resources are read-only", http.StatusForbidden)
		return
	}
	name, _ := doc["name"].(string)
	if other := s.byName(types.KindTemplate, name); other != nil && other.ID != rec.ID {
		http.Error(w, "name already in use", http.StatusConflict)
		return
	}
	if name != "" {
		rec.Name = name
	}
	rec.Definition, _ = doc["data"].(string)
	for k, v := range doc {
		switch k {
		case "id", "name", "data", "createdAt", "updatedAt", "signed", "status", "tags":
		default:
			Meta(k, v)(rec)
		}
	}
	rec.UpdatedAt = s.now()
	writeJSON(w, http.StatusOK, summary(rec))
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowName string          `json:"workflowName"`
		Input        json.RawMessage `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName(types.KindWorkflow, req.WorkflowName) == nil {
		http.Error(w, "unknown workflow", http.StatusNotFound)
		return
	}
	now := s.now()
	exec := map[string]any{
		"id":           uuid.NewString(),
		"workflowName": req.WorkflowName,
		"status":       "COMPLETED",
		"startedAt":    now,
		"closedAt":     now,
		"input":        req.Input,
		"output":       map[string]any{"ok": true},
		"tasks":        []map[string]any{{"id": "task-1", "name": "start", "status": "COMPLETED"}},
	}
	s.lastRun[req.WorkflowName] = exec
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.lastRun[r.PathValue("name")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       r.PathValue("id"),
		"name":     "start",
		"status":   "COMPLETED",
		"output":   map[string]any{"ok": true},
		"attempts": 1,
	})
}
