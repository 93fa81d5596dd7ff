package console

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"MCPFLEET_LISTEN_ADDR", "MCPFLEET_DB_PATH", "MCPFLEET_SESSION_TTL", "MCPFLEET_LOG_CMD"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.DBPath != "mcpfleet.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Errorf("session ttl = %s", cfg.SessionTTL)
	}
	if cfg.LogCommand != defaultLogCommand {
		t.Errorf("log command = %q", cfg.LogCommand)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MCPFLEET_LISTEN_ADDR", ":9999")
	t.Setenv("MCPFLEET_DB_PATH", "/tmp/x.db")
	t.Setenv("MCPFLEET_SESSION_TTL", "30m")
	t.Setenv("MCPFLEET_LOG_CMD", "file")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.DBPath != "/tmp/x.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("session ttl = %s", cfg.SessionTTL)
	}
	if cfg.LogCommand != "file" {
		t.Errorf("log command = %q", cfg.LogCommand)
	}
}

func TestLoadConfigBadTTL(t *testing.T) {
	t.Setenv("MCPFLEET_SESSION_TTL", "not-a-duration")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error for an unparseable TTL")
	}

	t.Setenv("MCPFLEET_SESSION_TTL", "-1h")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error for a non-positive TTL")
	}
}

func TestSubscribeLogsPayloadValidate(t *testing.T) {
	cases := []struct {
		name    string
		payload SubscribeLogsPayload
		ok      bool
	}{
		{"valid", SubscribeLogsPayload{ServerID: "srv-1", Lines: 100}, true},
		{"zero lines", SubscribeLogsPayload{ServerID: "srv-1"}, true},
		{"max lines", SubscribeLogsPayload{ServerID: "srv-1", Lines: maxLogLines}, true},
		{"missing server", SubscribeLogsPayload{Lines: 100}, false},
		{"negative lines", SubscribeLogsPayload{ServerID: "srv-1", Lines: -1}, false},
		{"too many lines", SubscribeLogsPayload{ServerID: "srv-1", Lines: maxLogLines + 1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected an error")
			}
		})
	}
}
