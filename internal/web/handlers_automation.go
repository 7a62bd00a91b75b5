package web

import (
	"errors"
	"net/http"

	"shelly-go-home/internal/automation"
)

// ScriptStore persists automation scripts.
type ScriptStore interface {
	List() ([]*automation.Script, error)
	Get(id string) (*automation.Script, error)
	Save(s *automation.Script) (*automation.Script, error)
	Delete(id string) error
}

// ScriptRunner supervises running scripts.
type ScriptRunner interface {
	Running(id string) bool
	ReloadScript(id string) error
	StopScript(id string)
	RunScript(id string) *automation.RunResult
	RunLuaCode(code string) *automation.RunResult
}

// inlineScriptID selects the request body as the code to run.
const inlineScriptID = "_inline"

type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

// scriptPatch is the body of create and update. Absent fields keep their
// current value on update.
type scriptPatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	LuaCode     *string `json:"lua_code"`
	Enabled     *bool   `json:"enabled"`
}

func (p scriptPatch) apply(sc *automation.Script) {
	if p.Name != nil {
		sc.Meta.Name = *p.Name
	}
	if p.Description != nil {
		sc.Meta.Description = *p.Description
	}
	if p.LuaCode != nil {
		sc.LuaCode = *p.LuaCode
	}
	if p.Enabled != nil {
		sc.Meta.Enabled = *p.Enabled
	}
}

func (s *Server) view(sc *automation.Script) scriptView {
	return scriptView{Script: sc, Running: s.runner != nil && s.runner.Running(sc.ID)}
}

// requireScripts writes 503 and reports false when automations are compiled
// out or failed to start.
func (s *Server) requireScripts(w http.ResponseWriter) bool {
	if s.scripts == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automations not available")
		return false
	}
	return true
}

func (s *Server) scriptError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
	case errors.Is(err, automation.ErrInvalidScriptID):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+" script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// syncRunner brings the runner in line with the saved script.
func (s *Server) syncRunner(sc *automation.Script) {
	if s.runner == nil {
		return
	}
	if !sc.Meta.Enabled {
		s.runner.StopScript(sc.ID)
		return
	}
	if err := s.runner.ReloadScript(sc.ID); err != nil {
		s.logger.Warn("start script", "id", sc.ID, "err", err)
	}
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	views := []scriptView{}
	if s.scripts != nil {
		list, err := s.scripts.List()
		if err != nil {
			s.scriptError(w, "list", err)
			return
		}
		for _, sc := range list {
			views = append(views, s.view(sc))
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}
	sc, err := s.scripts.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(sc))
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}
	var p scriptPatch
	if err := decodeBody(w, r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Name == nil || *p.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	sc := &automation.Script{}
	p.apply(sc)
	saved, err := s.scripts.Save(sc)
	if err != nil {
		s.scriptError(w, "create", err)
		return
	}
	s.syncRunner(saved)
	s.writeJSON(w, http.StatusCreated, s.view(saved))
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}
	sc, err := s.scripts.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get", err)
		return
	}
	var p scriptPatch
	if err := decodeBody(w, r, &p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Name != nil && *p.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	p.apply(sc)
	saved, err := s.scripts.Save(sc)
	if err != nil {
		s.scriptError(w, "update", err)
		return
	}
	s.syncRunner(saved)
	s.writeJSON(w, http.StatusOK, s.view(saved))
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}
	sc, err := s.scripts.Get(r.PathValue("id"))
	if err != nil {
		s.scriptError(w, "get", err)
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	saved, err := s.scripts.Save(sc)
	if err != nil {
		s.scriptError(w, "toggle", err)
		return
	}
	s.syncRunner(saved)
	s.writeJSON(w, http.StatusOK, s.view(saved))
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireScripts(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.scripts.Delete(id); err != nil {
		s.scriptError(w, "delete", err)
		return
	}
	if s.runner != nil {
		s.runner.StopScript(id)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

// handleAPIRunAutomation runs a saved script once, or the lua_code in the
// body when the id is _inline. Script failures are reported in the result,
// not the status code.
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automation engine not available")
		return
	}
	id := r.PathValue("id")
	if id != inlineScriptID {
		s.writeJSON(w, http.StatusOK, s.runner.RunScript(id))
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	if err := decodeBody(w, r, &req); err != nil || req.LuaCode == "" {
		s.writeError(w, http.StatusBadRequest, "lua_code is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.runner.RunLuaCode(req.LuaCode))
}
