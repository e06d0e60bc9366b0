package security

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"roomchat/internal/config"
	"roomchat/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingAudit keeps audit entries in memory.
type recordingAudit struct {
	entries []domain.AuditEntry
}

func (r *recordingAudit) LogAction(_ context.Context, entry domain.AuditEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func mustEngine(t *testing.T, cfg config.SecurityConfig) (*Engine, *recordingAudit) {
	t.Helper()
	audit := &recordingAudit{}
	e, err := NewEngine(cfg, audit, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e, audit
}

func TestCheck_DefaultAllow(t *testing.T) {
	e, audit := mustEngine(t, config.SecurityConfig{DefaultPolicy: "allow", AuditLog: true})

	action, err := e.Check(context.Background(), "assistant", "rename-room", "r1:New")
	if err != nil {
		t.Fatal(err)
	}
	if action != domain.ActionAllow {
		t.Fatalf("expected allow, got %v", action)
	}
	if len(audit.entries) != 1 || audit.entries[0].Result != "allowed" {
		t.Errorf("unexpected audit entries: %+v", audit.entries)
	}
}

func TestCheck_DenyListWins(t *testing.T) {
	e, _ := mustEngine(t, config.SecurityConfig{
		DefaultPolicy:   "allow",
		DeniedCommands:  []string{"delete-room"},
		AllowedCommands: []string{"delete-room"},
	})

	action, _ := e.Check(context.Background(), "assistant", "delete-room", "r1")
	if action != domain.ActionBlock {
		t.Fatalf("expected block, got %v", action)
	}
}

func TestCheck_DefaultDenyWithAllowList(t *testing.T) {
	e, _ := mustEngine(t, config.SecurityConfig{
		DefaultPolicy:   "deny",
		AllowedCommands: []string{"rename-room"},
	})
	ctx := context.Background()

	if action, _ := e.Check(ctx, "bot", "rename-room", "r1:x"); action != domain.ActionAllow {
		t.Errorf("rename-room should be allowed, got %v", action)
	}
	if action, _ := e.Check(ctx, "bot", "block-user", "u1"); action != domain.ActionBlock {
		t.Errorf("block-user should be blocked, got %v", action)
	}
}

func TestCheck_ProtectedRooms(t *testing.T) {
	e, _ := mustEngine(t, config.SecurityConfig{
		DefaultPolicy:  "allow",
		ProtectedRooms: []string{"lobby", "^tg-.*"},
	})
	ctx := context.Background()

	cases := []struct {
		command, params string
		want            domain.PolicyAction
	}{
		{"delete-room", "lobby", domain.ActionBlock},
		{"delete-room", " LOBBY ", domain.ActionBlock},
		{"rename-room", "lobby:Renamed", domain.ActionBlock},
		{"delete-room", "tg-12345", domain.ActionBlock},
		{"delete-room", "lobby-2", domain.ActionAllow},
		{"rename-room", "r1:lobby", domain.ActionAllow},
		{"block-user", "lobby", domain.ActionAllow},
	}
	for _, c := range cases {
		got, err := e.Check(ctx, "bot", c.command, c.params)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("Check(%s, %q) = %v, want %v", c.command, c.params, got, c.want)
		}
	}
}

func TestCheck_AuditDisabled(t *testing.T) {
	e, audit := mustEngine(t, config.SecurityConfig{DefaultPolicy: "deny", AuditLog: false})
	e.Check(context.Background(), "bot", "delete-room", "r1")
	if len(audit.entries) != 0 {
		t.Errorf("expected no audit entries, got %d", len(audit.entries))
	}
}

func TestNewEngine_InvalidPattern(t *testing.T) {
	_, err := NewEngine(config.SecurityConfig{ProtectedRooms: []string{"(unclosed"}}, nil, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestIsRegex(t *testing.T) {
	if isRegex("lobby") {
		t.Error("plain word treated as regex")
	}
	if !isRegex("^tg-.*") {
		t.Error("regex not detected")
	}
}
