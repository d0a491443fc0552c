package cmd

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/amurg-ai/botgate/internal/config"
	"github.com/amurg-ai/botgate/internal/gateway"
	"github.com/amurg-ai/botgate/internal/operator"
)

func init() {
	color.NoColor = true
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "botgate 1.2.3" {
		t.Errorf("output = %q", got)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Chdir(t.TempDir())

	root := NewRootCmd("test")
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatalf("find run: %v", err)
	}

	if got := resolveConfigPath(run, nil); got != "" {
		t.Errorf("no file: got %q, want empty", got)
	}

	if err := os.WriteFile(defaultConfigFile, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(run, nil); got != defaultConfigFile {
		t.Errorf("default file: got %q", got)
	}

	if err := root.PersistentFlags().Set("config", "flag.yaml"); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(run, nil); got != "flag.yaml" {
		t.Errorf("flag: got %q", got)
	}
	if got := resolveConfigPath(run, []string{"arg.json"}); got != "arg.json" {
		t.Errorf("positional: got %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		cfg      config.LoggingConfig
		debug    bool
		warnOnly bool
		wantJSON bool
	}{
		{config.LoggingConfig{Level: "debug", Format: "json"}, true, false, true},
		{config.LoggingConfig{Level: "info", Format: "text"}, false, false, false},
		{config.LoggingConfig{Level: "WARN"}, false, true, true},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := newLogger(&buf, tt.cfg)
		ctx := t.Context()
		if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.debug {
			t.Errorf("%+v: debug enabled = %v", tt.cfg, got)
		}
		if got := logger.Enabled(ctx, slog.LevelInfo); got == tt.warnOnly {
			t.Errorf("%+v: info enabled = %v", tt.cfg, got)
		}
		logger.Error("hello")
		if isJSON := strings.HasPrefix(buf.String(), "{"); isJSON != tt.wantJSON {
			t.Errorf("%+v: output %q, want json=%v", tt.cfg, buf.String(), tt.wantJSON)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	tests := []struct {
		addr, bot, want string
	}{
		{"localhost:7780", "", "http://localhost:7780/status"},
		{"localhost:7780", "alice", "http://localhost:7780/status?bot=alice"},
		{"ws://gw.example:80/socket", "", "http://gw.example:80/status"},
		{"wss://gw.example", "b b", "https://gw.example/status?bot=b+b"},
	}
	for _, tt := range tests {
		got, err := statusEndpoint(tt.addr, tt.bot)
		if err != nil {
			t.Fatalf("%s: %v", tt.addr, err)
		}
		if got != tt.want {
			t.Errorf("statusEndpoint(%q, %q) = %q, want %q", tt.addr, tt.bot, got, tt.want)
		}
	}
}

func TestStatusAggregate(t *testing.T) {
	player := "Steve"
	goal := "build a house"
	snap := gateway.Snapshot{
		Status:                "running",
		AgentServiceConnected: true,
		ConnectedBots:         1,
		ConnectedSDKs:         1,
		ConnectedUIs:          1,
		Bots:                  map[string]gateway.BotSummary{"alice": {Connected: true, ClientID: "c1", LastTick: 42, InGame: true, Player: &player}},
		SDKs:                  map[string]gateway.SDKSummary{"sdk-1": {TargetUsername: "alice"}},
		UIs:                   map[string]gateway.OperatorSummary{"alice": {Running: true, Goal: &goal, Clients: 2}},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" || r.URL.Query().Get("bot") != "" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_ = json.NewEncoder(w).Encode(snap)
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runStatus(&out, srv.URL, ""); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	for _, want := range []string{"connected", "Bots: 1 | SDKs: 1 | UIs: 1", "alice", "Steve", "sdk-1", "running", "build a house"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestStatusBot(t *testing.T) {
	goal := "mine diamonds"
	st := operator.Status{Bot: "bob", Running: true, Goal: &goal, LogCount: 3}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("bot") != "bob" {
			t.Errorf("bot query = %q", r.URL.Query().Get("bot"))
		}
		_ = json.NewEncoder(w).Encode(st)
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := runStatus(&out, srv.URL, "bob"); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	for _, want := range []string{"bob", "running", "mine diamonds", "3", "disconnected"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestStatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	var out bytes.Buffer
	err := runStatus(&out, addr, "")
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if !strings.Contains(out.String(), "UNREACHABLE") {
		t.Errorf("output = %q", out.String())
	}
}

func TestStatusHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := runStatus(&bytes.Buffer{}, srv.URL, ""); err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want 500 status", err)
	}
}

func TestInitDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gw.json")

	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs([]string{"init", "--defaults", "-o", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Server.Port == 0 {
		t.Error("written config has no listener port")
	}
}
