package gateway

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/auth"
	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/observability"
	"github.com/haasonsaas/campusgate/internal/sessions"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(w, r, badRequest("invalid limit %q", raw))
			return
		}
		limit = n
	}
	records, err := s.sessions.ListByUser(r.Context(), caller.ID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []sessions.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

// handleSessionTimeline returns the journaled events of one session to its
// owner or an elevated caller. ?format=text renders it for terminals.
func (s *Server) handleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	caller := auth.CallerFromContext(r.Context())
	rec, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec.UserID != caller.ID && !caller.Role.Elevated() {
		s.fail(w, r, access.ErrPermissionDenied)
		return
	}
	timeline := s.journal.Session(id)
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, observability.FormatTimeline(timeline))
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

// handleListTools lists the tools for a provider/model pair, falling back to
// the default model when either is missing.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	ref, err := s.toolModel(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	client, err := s.acquire(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tools, err := client.ListTools(r.Context(), ref.ProviderID, ref.ModelID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller := auth.CallerFromContext(r.Context())
	tools = access.FilterTools(caller.Role, tools, s.allowedProviders(caller), s.store.KnownNames())
	if tools == nil {
		tools = []backend.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": ref.ProviderID,
		"model":    ref.ModelID,
		"tools":    tools,
	})
}

func (s *Server) handleListToolIDs(w http.ResponseWriter, r *http.Request) {
	client, err := s.acquire(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := client.ToolIDs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller := auth.CallerFromContext(r.Context())
	ids = access.FilterToolIDs(caller.Role, ids, s.allowedProviders(caller), s.store.KnownNames())
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (s *Server) handleDefaultModel(w http.ResponseWriter, r *http.Request) {
	var ref *backend.ModelRef
	if s.models != nil {
		ref = s.models.ResolveDefault(r.Context())
	}
	if !ref.Valid() {
		writeError(w, http.StatusServiceUnavailable, "no default model available")
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) toolModel(r *http.Request) (*backend.ModelRef, error) {
	q := r.URL.Query()
	ref := &backend.ModelRef{
		ProviderID: strings.TrimSpace(q.Get("provider")),
		ModelID:    strings.TrimSpace(q.Get("model")),
	}
	if ref.Valid() {
		return ref, nil
	}
	if s.models != nil {
		if def := s.models.ResolveDefault(r.Context()); def.Valid() {
			switch {
			case ref.ProviderID == "":
				ref.ProviderID, ref.ModelID = def.ProviderID, def.ModelID
			case ref.ProviderID == def.ProviderID:
				ref.ModelID = def.ModelID
			}
		}
	}
	if !ref.Valid() {
		return nil, badRequest("provider and model are required")
	}
	return ref, nil
}
