package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/archive"
	"github.com/crystal-mush/worldtune/pkg/override"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/validate"
)

func (ws *WebServer) registerRESTRoutes() {
	// Property bag. Floors are per property, so these are open to any
	// caller and the surface decides.
	ws.mux.HandleFunc("GET /api/v1/properties", ws.handleListProperties)
	ws.mux.HandleFunc("GET /api/v1/properties/{name}", ws.handleGetProperty)
	ws.mux.HandleFunc("PUT /api/v1/properties/{name}", ws.handlePutProperty)
	ws.mux.HandleFunc("DELETE /api/v1/properties/{name}", ws.handleResetProperty)
	ws.mux.HandleFunc("GET /api/v1/consoles", ws.handleListConsoles)
	ws.mux.HandleFunc("GET /api/v1/consoles/{name}", ws.handleGetConsole)
	ws.mux.HandleFunc("GET /api/v1/flags", ws.handleFlags)

	// Overrides
	floor := ws.overrideFloor()
	ws.mux.HandleFunc("GET /api/v1/overrides", requireLevel(access.Operator, ws.handleListOverrides))
	ws.mux.HandleFunc("POST /api/v1/overrides", requireLevel(floor, ws.handleCreateOverride))
	ws.mux.HandleFunc("GET /api/v1/overrides/{id}", requireLevel(access.Operator, ws.handleGetOverride))
	ws.mux.HandleFunc("GET /api/v1/overrides/{id}/{name}", requireLevel(floor, ws.handleOverrideGet))
	ws.mux.HandleFunc("PUT /api/v1/overrides/{id}/{name}", requireLevel(floor, ws.handleOverrideSet))
	ws.mux.HandleFunc("DELETE /api/v1/overrides/{id}", requireLevel(floor, ws.handleRemoveOverride))

	// Operations
	ws.mux.HandleFunc("POST /api/v1/save", requireLevel(access.Administrator, ws.handleSave))
	ws.mux.HandleFunc("GET /api/v1/archives", requireLevel(access.Administrator, ws.handleArchives))
	ws.mux.HandleFunc("GET /api/v1/audit", requireLevel(access.Administrator, ws.handleAudit))
	ws.mux.HandleFunc("POST /api/v1/seeds/apply", requireLevel(access.Owner, ws.handleApplySeed))
	ws.mux.HandleFunc("GET /api/v1/check", requireLevel(access.Administrator, ws.handleCheck))
	ws.mux.HandleFunc("POST /api/v1/check/fix", requireLevel(access.Owner, ws.handleCheckFix))
	ws.mux.HandleFunc("PUT /api/v1/debug", requireLevel(access.Owner, ws.handleDebug))
}

func (ws *WebServer) overrideFloor() access.Level {
	l, err := access.ParseLevel(ws.srv.Conf.OverrideFloor)
	if err != nil {
		return access.Administrator
	}
	return l
}

// writeDomainError maps registry and override errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrUnknownTunable):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrPermissionDenied), errors.Is(err, override.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrOutOfRange), errors.Is(err, override.ErrNotShadowed):
		status = http.StatusBadRequest
	case errors.Is(err, override.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, override.ErrExpired), errors.Is(err, override.ErrOverrideClosed):
		status = http.StatusGone
	}
	writeError(w, status, err.Error())
}

type valueRequest struct {
	Value string `json:"value"`
}

func decodeValue(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req valueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	return req.Value, true
}

// --- Properties ---

func (ws *WebServer) handleListProperties(w http.ResponseWriter, r *http.Request) {
	props := ws.srv.Surface.Enumerate(CallerFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"properties": props, "count": len(props)})
}

func (ws *WebServer) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	p, err := ws.srv.Surface.Read(r.PathValue("name"), CallerFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (ws *WebServer) handlePutProperty(w http.ResponseWriter, r *http.Request) {
	caller := CallerFromContext(r.Context())
	name := r.PathValue("name")
	raw, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if err := ws.srv.Surface.Write(name, raw, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	p, err := ws.srv.Surface.Read(name, caller)
	if err != nil {
		// Write floors are never below read floors, but a derived or
		// write-only property can still land here.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (ws *WebServer) handleResetProperty(w http.ResponseWriter, r *http.Request) {
	caller := CallerFromContext(r.Context())
	name := r.PathValue("name")
	if err := ws.srv.Registry.ResetDefault(name, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	p, err := ws.srv.Surface.Read(name, caller)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Consoles and flags ---

func (ws *WebServer) handleListConsoles(w http.ResponseWriter, r *http.Request) {
	type consoleEntry struct {
		Name  string `json:"name"`
		Title string `json:"title"`
		Count int    `json:"count"`
	}
	caller := CallerFromContext(r.Context())
	var out []consoleEntry
	for _, c := range ws.srv.Surface.Consoles() {
		props, _ := ws.srv.Surface.EnumerateConsole(c.Name, caller)
		if len(props) == 0 {
			continue
		}
		out = append(out, consoleEntry{Name: c.Name, Title: c.Title, Count: len(props)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"consoles": out})
}

func (ws *WebServer) handleGetConsole(w http.ResponseWriter, r *http.Request) {
	props, err := ws.srv.Surface.EnumerateConsole(r.PathValue("name"), CallerFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": r.PathValue("name"), "properties": props})
}

func (ws *WebServer) handleFlags(w http.ResponseWriter, r *http.Request) {
	type flagEntry struct {
		Name string `json:"name"`
		Bit  int    `json:"bit"`
		Set  bool   `json:"set"`
	}
	caller := CallerFromContext(r.Context())
	fs := ws.srv.Registry.Flags()
	view := ws.srv.Registry.View()
	var out []flagEntry
	for _, f := range fs.Defs() {
		if !caller.Level.AtLeast(f.ReadFloor) {
			continue
		}
		out = append(out, flagEntry{Name: f.Name, Bit: f.Bit, Set: view.IsSet(f.Name)})
	}
	resp := map[string]any{"width": fs.Width(), "flags": out}
	if caller.Level.AtLeast(access.Operator) {
		resp["hex"] = fs.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Overrides ---

func (ws *WebServer) lookupOverride(w http.ResponseWriter, r *http.Request) (*override.Override, bool) {
	o, ok := ws.srv.Overrides.Lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such override")
		return nil, false
	}
	return o, true
}

func (ws *WebServer) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	live := ws.srv.Overrides.List()
	out := make([]override.Info, 0, len(live))
	for _, o := range live {
		out = append(out, o.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": out})
}

func (ws *WebServer) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Names []string `json:"names"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16384)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Names) == 0 {
		writeError(w, http.StatusBadRequest, "names is required")
		return
	}
	o, err := ws.srv.Overrides.Create(req.Names...)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// The creator claims it at once so nobody else can.
	caller := CallerFromContext(r.Context())
	if _, err := o.Get(req.Names[0], caller); err != nil && !errors.Is(err, registry.ErrPermissionDenied) {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o.Info())
}

func (ws *WebServer) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	o, ok := ws.lookupOverride(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o.Info())
}

func (ws *WebServer) handleOverrideGet(w http.ResponseWriter, r *http.Request) {
	o, ok := ws.lookupOverride(w, r)
	if !ok {
		return
	}
	v, err := o.Get(r.PathValue("name"), CallerFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": r.PathValue("name"), "value": v.String()})
}

func (ws *WebServer) handleOverrideSet(w http.ResponseWriter, r *http.Request) {
	o, ok := ws.lookupOverride(w, r)
	if !ok {
		return
	}
	raw, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if err := o.Write(r.PathValue("name"), raw, CallerFromContext(r.Context())); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Info())
}

func (ws *WebServer) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	o, ok := ws.lookupOverride(w, r)
	if !ok {
		return
	}
	caller := CallerFromContext(r.Context())
	if owner := o.Owner(); owner != "" && owner != caller.ID && !caller.Level.AtLeast(access.Owner) {
		log.Printf("web: override %s removed by %s, owned by %s", o.ID(), caller, owner)
		o.Remove()
		writeDomainError(w, override.ErrNotOwner)
		return
	}
	o.Remove()
	writeJSON(w, http.StatusOK, o.Info())
}

// --- Operations ---

func (ws *WebServer) handleSave(w http.ResponseWriter, r *http.Request) {
	res, err := ws.srv.Saver.Save()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (ws *WebServer) handleArchives(w http.ResponseWriter, r *http.Request) {
	dir := ws.srv.Conf.BackupDir
	if dir == "" {
		writeError(w, http.StatusNotFound, "backups are not configured")
		return
	}
	list, err := archive.List(dir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": list})
}

func (ws *WebServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if ws.srv.Audit == nil {
		writeError(w, http.StatusNotFound, "audit log is not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := ws.srv.Audit.Recent(r.Context(), r.URL.Query().Get("name"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rows, "dropped": ws.srv.Audit.Dropped()})
}

func (ws *WebServer) handleApplySeed(w http.ResponseWriter, r *http.Request) {
	path := ws.srv.Conf.SeedFile
	if path == "" {
		writeError(w, http.StatusNotFound, "no seed file configured")
		return
	}
	sd, err := LoadSeed(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, err := ApplySeed(sd, ws.srv.Surface, CallerFromContext(r.Context()))
	resp := map[string]any{"applied": n}
	if err != nil {
		resp["errors"] = splitJoined(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// splitJoined unpacks an errors.Join result into its messages.
func splitJoined(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func (ws *WebServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	v := ws.srv.Check()
	v.Run()
	writeJSON(w, http.StatusOK, validate.GenerateReport(v))
}

// handleCheckFix applies the fixable findings of one category, given as
// ?category=, or a single finding given as ?id=.
func (ws *WebServer) handleCheckFix(w http.ResponseWriter, r *http.Request) {
	v := ws.srv.Check()
	v.Run()
	q := r.URL.Query()
	if id := q.Get("id"); id != "" {
		if err := v.ApplyFix(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, validate.GenerateReport(v))
		return
	}
	cat, err := validate.ParseCategory(q.Get("category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := v.ApplyAll(cat); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, validate.GenerateReport(v))
}

func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	SetDebug(req.On)
	writeJSON(w, http.StatusOK, map[string]bool{"debug": IsDebug()})
}
