package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/events"
	"github.com/crystal-mush/worldtune/pkg/override"
	"github.com/crystal-mush/worldtune/pkg/passwd"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/schema"
	"github.com/crystal-mush/worldtune/pkg/surface"
	"github.com/crystal-mush/worldtune/pkg/validate"
)

type console struct {
	t   *testing.T
	srv *Server
	h   http.Handler
}

func newConsole(t *testing.T) *console {
	t.Helper()
	s := openServer(t, testConf(t))
	return &console{t: t, srv: s, h: s.Web.Handler()}
}

func (c *console) token(caller access.Caller) string {
	c.t.Helper()
	tok, err := c.srv.Auth.MintToken(caller.ID, caller.Level)
	if err != nil {
		c.t.Fatal(err)
	}
	return tok
}

func (c *console) do(method, path string, caller *access.Caller, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+c.token(*caller))
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	c := newConsole(t)
	rec := c.do("GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["version"] != Version {
		t.Errorf("body = %v", body)
	}
}

type closedFeed struct{}

func (closedFeed) Receive(events.Event) {}
func (closedFeed) Closed() bool         { return true }

func TestSweepPrunesClosedSubscribers(t *testing.T) {
	c := newConsole(t)
	before := c.srv.Bus.GlobalSubscribers()
	c.srv.Bus.SubscribeGlobal(closedFeed{})
	c.srv.Web.sweep()
	if got := c.srv.Bus.GlobalSubscribers(); got != before {
		t.Errorf("global subscribers = %d after sweep, want %d", got, before)
	}
	body := decode[map[string]any](t, c.do("GET", "/health", nil, nil))
	if body["subscribers"] != float64(before) {
		t.Errorf("health subscribers = %v, want %d", body["subscribers"], before)
	}
}

func TestPropertiesFilteredByLevel(t *testing.T) {
	c := newConsole(t)
	type list struct {
		Properties []surface.Property `json:"properties"`
	}
	has := func(ps []surface.Property, name string) bool {
		for _, p := range ps {
			if p.Name == name {
				return true
			}
		}
		return false
	}

	anon := decode[list](t, c.do("GET", "/api/v1/properties", nil, nil)).Properties
	owner := decode[list](t, c.do("GET", "/api/v1/properties", &ownerCaller, nil)).Properties
	if has(anon, schema.AccountWipeEnabled) || has(anon, schema.FeatureFlagsHex) || has(anon, schema.SpawnDensity) {
		t.Error("guest sees properties above its level")
	}
	if !has(anon, schema.WorldSaveFrequency) || !has(owner, schema.AccountWipeEnabled) {
		t.Error("readable properties missing")
	}
	if len(owner) <= len(anon) {
		t.Errorf("owner sees %d, guest %d", len(owner), len(anon))
	}

	rec := c.do("GET", "/api/v1/properties/"+schema.AccountWipeEnabled, &adminCaller, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("admin read of owner property = %d", rec.Code)
	}
	rec = c.do("GET", "/api/v1/properties/NoSuchThing", &ownerCaller, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown property = %d", rec.Code)
	}
}

func TestWriteWorldSaveFrequency(t *testing.T) {
	c := newConsole(t)
	path := "/api/v1/properties/" + schema.WorldSaveFrequency
	tests := []struct {
		name   string
		caller *access.Caller
		value  string
		status int
		want   int64
	}{
		{"anonymous", nil, "15", http.StatusForbidden, 5},
		{"operator", &opCaller, "15", http.StatusForbidden, 5},
		{"zero", &adminCaller, "0", http.StatusBadRequest, 5},
		{"not a number", &adminCaller, "soon", http.StatusBadRequest, 5},
		{"past a day", &adminCaller, "1441", http.StatusBadRequest, 5},
		{"huge", &adminCaller, "1152921504606846976", http.StatusBadRequest, 5},
		{"admin", &adminCaller, "15", http.StatusOK, 15},
		{"owner", &ownerCaller, "30", http.StatusOK, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := c.do("PUT", path, tt.caller, valueRequest{Value: tt.value})
			if rec.Code != tt.status {
				t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
			}
			if got := c.srv.Registry.Int(schema.WorldSaveFrequency); got != tt.want {
				t.Errorf("value = %d, want %d", got, tt.want)
			}
		})
	}

	if c.srv.Saver.Period() != 30*time.Minute {
		t.Errorf("autosave period = %v", c.srv.Saver.Period())
	}
	rec := c.do("DELETE", path, &adminCaller, nil)
	if rec.Code != http.StatusOK || c.srv.Registry.Int(schema.WorldSaveFrequency) != 5 {
		t.Errorf("reset: %d %s", rec.Code, rec.Body.String())
	}
}

func TestWriteFlagAndDerived(t *testing.T) {
	c := newConsole(t)
	rec := c.do("PUT", "/api/v1/properties/"+schema.FlagDoubleHarvest, &adminCaller, valueRequest{Value: "on"})
	if rec.Code != http.StatusOK {
		t.Fatalf("flag write = %d", rec.Code)
	}
	if !c.srv.Registry.Flags().IsSet(schema.FlagDoubleHarvest) {
		t.Error("flag not set")
	}
	rec = c.do("PUT", "/api/v1/properties/"+schema.FeatureFlagsHex, &ownerCaller, valueRequest{Value: "0x0"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("derived write = %d", rec.Code)
	}

	body := decode[map[string]any](t, c.do("GET", "/api/v1/flags", &opCaller, nil))
	if body["hex"] != c.srv.Registry.Flags().Hex() {
		t.Errorf("flags hex = %v", body["hex"])
	}
	body = decode[map[string]any](t, c.do("GET", "/api/v1/flags", nil, nil))
	if _, ok := body["hex"]; ok {
		t.Error("guest sees raw flag words")
	}
}

func TestConsoleSharedValue(t *testing.T) {
	c := newConsole(t)
	rec := c.do("PUT", "/api/v1/properties/"+schema.DepotCapacity, &adminCaller, valueRequest{Value: "300"})
	if rec.Code != http.StatusOK {
		t.Fatalf("write = %d", rec.Code)
	}
	for _, name := range []string{"housing", "vendor"} {
		body := decode[struct {
			Properties []surface.Property `json:"properties"`
		}](t, c.do("GET", "/api/v1/consoles/"+name, &adminCaller, nil))
		found := false
		for _, p := range body.Properties {
			if p.Name == schema.DepotCapacity {
				found = p.Value == "300"
			}
		}
		if !found {
			t.Errorf("console %s does not show the new DepotCapacity", name)
		}
	}
	if rec := c.do("GET", "/api/v1/consoles/nope", &adminCaller, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown console = %d", rec.Code)
	}
}

func TestOverrideLifecycleOverHTTP(t *testing.T) {
	c := newConsole(t)
	rec := c.do("POST", "/api/v1/overrides", &opCaller, map[string]any{"names": []string{schema.SkillGainRate}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("operator create = %d", rec.Code)
	}

	rec = c.do("POST", "/api/v1/overrides", &adminCaller, map[string]any{"names": []string{schema.SkillGainRate}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	info := decode[override.Info](t, rec)
	if info.Owner != adminCaller.ID || info.State != override.Active {
		t.Fatalf("info = %+v", info)
	}

	rec = c.do("POST", "/api/v1/overrides", &adminCaller, map[string]any{"names": []string{schema.SkillGainRate}})
	if rec.Code != http.StatusConflict {
		t.Errorf("second override on same tunable = %d", rec.Code)
	}

	path := "/api/v1/overrides/" + info.ID + "/" + schema.SkillGainRate
	if rec := c.do("PUT", path, &adminCaller, valueRequest{Value: "50%"}); rec.Code != http.StatusOK {
		t.Fatalf("override write = %d %s", rec.Code, rec.Body.String())
	}
	if got := c.srv.Registry.Float(schema.SkillGainRate); got != 0.5 {
		t.Fatalf("SkillGainRate = %v", got)
	}

	other := access.Caller{ID: "bram", Level: access.Administrator}
	if rec := c.do("PUT", path, &other, valueRequest{Value: "0.9"}); rec.Code != http.StatusForbidden {
		t.Errorf("foreign write = %d", rec.Code)
	}
	if got := c.srv.Registry.Float(schema.SkillGainRate); got != 0.25 {
		t.Errorf("SkillGainRate = %v after foreign touch, want restored 0.25", got)
	}
	if rec := c.do("GET", "/api/v1/overrides/"+info.ID, &adminCaller, nil); rec.Code != http.StatusNotFound {
		t.Errorf("removed override still listed: %d", rec.Code)
	}
}

func TestRemoveOverrideOwnership(t *testing.T) {
	c := newConsole(t)
	rec := c.do("POST", "/api/v1/overrides", &adminCaller, map[string]any{"names": []string{schema.StatCap}})
	info := decode[override.Info](t, rec)

	if rec := c.do("PUT", "/api/v1/overrides/"+info.ID+"/"+schema.StatCap, &adminCaller, map[string]string{"value": "250"}); rec.Code != http.StatusOK {
		t.Fatalf("override write = %d: %s", rec.Code, rec.Body)
	}

	other := access.Caller{ID: "bram", Level: access.Administrator}
	if rec := c.do("DELETE", "/api/v1/overrides/"+info.ID, &other, nil); rec.Code != http.StatusForbidden {
		t.Errorf("foreign delete = %d", rec.Code)
	}
	if c.srv.Overrides.Live() != 0 {
		t.Error("override still live after foreign delete")
	}
	if got := c.srv.Registry.Int(schema.StatCap); got != 225 {
		t.Errorf("StatCap = %d after foreign delete, want 225", got)
	}

	rec = c.do("POST", "/api/v1/overrides", &adminCaller, map[string]any{"names": []string{schema.StatCap}})
	info = decode[override.Info](t, rec)
	if rec := c.do("DELETE", "/api/v1/overrides/"+info.ID, &ownerCaller, nil); rec.Code != http.StatusOK {
		t.Errorf("owner delete = %d", rec.Code)
	}
	if c.srv.Overrides.Live() != 0 {
		t.Error("override still live")
	}
}

func TestOperationsNeedLevels(t *testing.T) {
	c := newConsole(t)
	tests := []struct {
		method, path string
		caller       *access.Caller
		status       int
	}{
		{"POST", "/api/v1/save", nil, http.StatusUnauthorized},
		{"POST", "/api/v1/save", &opCaller, http.StatusForbidden},
		{"POST", "/api/v1/save", &adminCaller, http.StatusOK},
		{"GET", "/api/v1/archives", &adminCaller, http.StatusOK},
		{"GET", "/api/v1/overrides", &opCaller, http.StatusOK},
		{"POST", "/api/v1/seeds/apply", &adminCaller, http.StatusForbidden},
		{"POST", "/api/v1/seeds/apply", &ownerCaller, http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := c.do(tt.method, tt.path, tt.caller, nil)
		if rec.Code != tt.status {
			t.Errorf("%s %s as %v = %d, want %d", tt.method, tt.path, tt.caller, rec.Code, tt.status)
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/properties", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d", rec.Code)
	}
}

func TestApplySeedOverHTTP(t *testing.T) {
	conf := testConf(t)
	s := openServer(t, conf)
	writeSeed(t, conf, "values:\n  HarvestBonus: \"2.5\"\n  NoSuchTunable: \"1\"\n")
	c := &console{t: t, srv: s, h: s.Web.Handler()}

	rec := c.do("POST", "/api/v1/seeds/apply", &ownerCaller, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply = %d", rec.Code)
	}
	body := decode[struct {
		Applied int      `json:"applied"`
		Errors  []string `json:"errors"`
	}](t, rec)
	if body.Applied != 1 || len(body.Errors) != 1 {
		t.Errorf("body = %+v", body)
	}
	if s.Registry.Float(schema.HarvestBonus) != 2.5 {
		t.Error("seed not applied")
	}
}

func TestAuditEndpoint(t *testing.T) {
	c := newConsole(t)
	rec := c.do("PUT", "/api/v1/properties/"+schema.AccountWipeEnabled, &ownerCaller, valueRequest{Value: "true"})
	if rec.Code != http.StatusOK {
		t.Fatalf("write = %d", rec.Code)
	}
	deadline := time.Now().Add(5 * time.Second)
	for c.srv.Audit.Written() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audit entry never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	body := decode[struct {
		Entries []struct {
			Name, Old, New, Caller string
		} `json:"entries"`
	}](t, c.do("GET", "/api/v1/audit?name="+schema.AccountWipeEnabled, &adminCaller, nil))
	if len(body.Entries) != 1 {
		t.Fatalf("entries = %+v", body.Entries)
	}
	e := body.Entries[0]
	if e.Old != "false" || e.New != "true" || e.Caller != ownerCaller.ID {
		t.Errorf("entry = %+v", e)
	}
}

func TestMetricsCountWrites(t *testing.T) {
	c := newConsole(t)
	c.srv.Registry.Set(schema.StatCap, registry.Int(250), adminCaller)
	c.srv.Registry.Set(schema.StatCap, registry.Int(5000), adminCaller)

	rec := c.do("GET", "/metrics", nil, nil)
	out := rec.Body.String()
	for _, want := range []string{
		`worldtune_tunable_writes_total{name="StatCap"} 1`,
		`worldtune_rejected_writes_total{reason="out of range"} 1`,
		"worldtune_overrides_live 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestEventFeedRespectsReadFloors(t *testing.T) {
	c := newConsole(t)
	ts := httptest.NewServer(c.h)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "hello" {
		t.Fatalf("hello = %+v, %v", msg, err)
	}

	// SpawnDensity is operator-readable; the anonymous feed skips it.
	c.srv.Registry.Set(schema.SpawnDensity, registry.Float(2), adminCaller)
	c.srv.Registry.Set(schema.StatCap, registry.Int(250), adminCaller)

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "tunable_set" || msg.Name != schema.StatCap || msg.New != "250" || msg.Old != "225" {
		t.Errorf("event = %+v", msg)
	}
}

func TestCheckAndFix(t *testing.T) {
	c := newConsole(t)
	c.srv.Registry.Set(schema.AccountWipeEnabled, registry.Bool(true), ownerCaller)

	rec := c.do("GET", "/api/v1/check", &adminCaller, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("check = %d", rec.Code)
	}
	report := decode[validate.Report](t, rec)
	if report.Errors != 0 || report.Categories["sensitive"].Total != 1 {
		t.Errorf("report = %+v", report)
	}

	if rec := c.do("POST", "/api/v1/check/fix?category=sensitive", &adminCaller, nil); rec.Code != http.StatusForbidden {
		t.Errorf("admin fix = %d", rec.Code)
	}
	if rec := c.do("POST", "/api/v1/check/fix?category=bogus", &ownerCaller, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus category = %d", rec.Code)
	}
	rec = c.do("POST", "/api/v1/check/fix?category=sensitive", &ownerCaller, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fix = %d %s", rec.Code, rec.Body.String())
	}
	if c.srv.Registry.Bool(schema.AccountWipeEnabled) {
		t.Error("AccountWipeEnabled still on")
	}
}

func TestOperatorLogin(t *testing.T) {
	conf := testConf(t)
	hash, err := passwd.Hash("harvest-moon")
	if err != nil {
		t.Fatal(err)
	}
	conf.Operators = []Operator{{Name: "ada", Level: "administrator", Password: hash}}
	s := openServer(t, conf)
	c := &console{t: t, srv: s, h: s.Web.Handler()}

	tests := []struct {
		name, password string
		status         int
	}{
		{"ada", "harvest-moon", http.StatusOK},
		{"ada", "harvest-sun", http.StatusUnauthorized},
		{"bram", "harvest-moon", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := c.do("POST", "/api/v1/auth/login", nil, map[string]string{"name": tt.name, "password": tt.password})
		if rec.Code != tt.status {
			t.Errorf("login %s/%s = %d", tt.name, tt.password, rec.Code)
		}
	}

	rec := c.do("POST", "/api/v1/auth/login", nil, map[string]string{"name": "ada", "password": "harvest-moon"})
	body := decode[map[string]string](t, rec)
	claims, err := s.Auth.ValidateToken(body["token"])
	if err != nil {
		t.Fatal(err)
	}
	if caller := claims.Caller(); caller.ID != "ada" || caller.Level != access.Administrator {
		t.Errorf("token caller = %+v", caller)
	}
}

func TestLoginDisabledWithoutOperators(t *testing.T) {
	c := newConsole(t)
	rec := c.do("POST", "/api/v1/auth/login", nil, map[string]string{"name": "ada", "password": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("login = %d", rec.Code)
	}
}
