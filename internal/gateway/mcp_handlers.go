package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/campusgate/internal/access"
	"github.com/haasonsaas/campusgate/internal/auth"
	"github.com/haasonsaas/campusgate/internal/backend"
	"github.com/haasonsaas/campusgate/internal/mcp"
	"github.com/haasonsaas/campusgate/internal/observability"
)

// recentSyncLimit bounds the sync history returned with the stored configs.
const recentSyncLimit = 10

type upsertRequest struct {
	Name   string                 `json:"name"`
	Config mcp.ToolProviderConfig `json:"config"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type mutationResponse struct {
	Name string          `json:"name"`
	Sync *mcp.SyncReport `json:"sync,omitempty"`
}

// handleMCPStatus lists live connection state. Non-elevated callers only see
// providers they can reach.
func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	client, err := s.acquire(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status, err := client.MCPStatus(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	caller := auth.CallerFromContext(r.Context())
	if !caller.Role.Elevated() {
		allowed := s.allowedProviders(caller)
		scoped := make(map[string]backend.MCPStatus, len(allowed))
		for _, name := range allowed {
			if st, ok := status[name]; ok {
				scoped[name] = st
			}
		}
		status = scoped
	}
	writeJSON(w, http.StatusOK, status)
}

// handleMCPConfig returns the stored configs with secrets masked.
func (s *Server) handleMCPConfig(w http.ResponseWriter, r *http.Request) {
	providers := s.store.List()
	out := make(map[string]mcp.ToolProviderConfig, len(providers))
	for _, p := range providers {
		out[p.Name] = p.Config.Redacted()
	}
	syncs := s.journal.Recent(observability.EventTypeProviderSync, recentSyncLimit)
	if syncs == nil {
		syncs = []*observability.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":         s.store.Path(),
		"providers":    out,
		"recent_syncs": syncs,
	})
}

func (s *Server) handleMCPUpsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := readJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if err := s.store.Upsert(name, req.Config); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.Save(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "provider saved", "provider", name, "enabled", req.Config.IsEnabled())

	resp := mutationResponse{Name: name}
	s.whenRunning(r.Context(), func(ctx context.Context, client *backend.Client) {
		report, err := s.store.SyncOne(ctx, client, name)
		if err == nil {
			resp.Sync = &report
		}
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMCPRemove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.Remove(name); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.Save(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "provider removed", "provider", name)
	s.whenRunning(r.Context(), func(ctx context.Context, client *backend.Client) {
		s.disconnectRetired(ctx, client)
	})
	writeJSON(w, http.StatusOK, mutationResponse{Name: name})
}

func (s *Server) handleMCPRename(w http.ResponseWriter, r *http.Request) {
	oldName := chi.URLParam(r, "name")
	var req renameRequest
	if err := readJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	newName := strings.TrimSpace(req.Name)
	if err := s.store.Rename(oldName, newName); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.Save(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "provider renamed", "from", oldName, "to", newName)

	resp := mutationResponse{Name: newName}
	if oldName != newName {
		s.whenRunning(r.Context(), func(ctx context.Context, client *backend.Client) {
			s.disconnectRetired(ctx, client)
			report, err := s.store.SyncOne(ctx, client, newName)
			if err == nil {
				resp.Sync = &report
			}
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMCPConnect(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleMCPDisconnect(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

// setEnabled persists the enabled flag and pushes the entry into the runtime,
// starting it if needed.
func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")
	if err := s.store.SetEnabled(name, enabled); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.Save(); err != nil {
		s.fail(w, r, err)
		return
	}
	client, err := s.acquire(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.store.SyncOne(r.Context(), client, name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "provider toggled", "provider", name, "enabled", enabled, "ok", report.OK())
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, mutationResponse{Name: name, Sync: &report})
}

// handleProviderTools lists the tool ids owned by one provider.
func (s *Server) handleProviderTools(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	caller := auth.CallerFromContext(r.Context())
	if !caller.Role.Elevated() && !s.policy.CanReach(caller.Role, name, s.store.ListEnabled(), caller.VerifiedAllow, caller.HeaderAllow) {
		s.fail(w, r, access.ErrPermissionDenied)
		return
	}
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
	known := s.store.KnownNames()
	owned := make([]string, 0)
	for _, id := range ids {
		if access.ProviderOfTool(id, "", known) == name {
			owned = append(owned, id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": name, "tools": owned})
}

// whenRunning runs fn against the runtime only if it is already up. A stopped
// runtime picks the change up from the full sync on its next start.
func (s *Server) whenRunning(ctx context.Context, fn func(ctx context.Context, client *backend.Client)) {
	if !s.runtime.Status().Running {
		return
	}
	client, err := s.acquire(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "runtime sync skipped", "error", err)
		return
	}
	fn(ctx, client)
}

// disconnectRetired drops removed providers from the runtime. Failures stay
// retired in the store and are retried by the next sync.
func (s *Server) disconnectRetired(ctx context.Context, client *backend.Client) {
	report := s.store.SyncRetired(ctx, client)
	for _, f := range report.Failures {
		s.logger.WarnContext(ctx, "provider disconnect failed", "provider", f.Name, "error", f.Err)
	}
}
