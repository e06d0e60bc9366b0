// Package security decides which inline system commands bots may run.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"roomchat/internal/config"
	"roomchat/internal/domain"
)

// Engine implements domain.CommandPolicy with deny/allow lists, protected
// room patterns and a default policy.
type Engine struct {
	cfg         config.SecurityConfig
	auditLogger domain.AuditLogger
	logger      *slog.Logger

	protectedRe []*regexp.Regexp
}

var _ domain.CommandPolicy = (*Engine)(nil)

func NewEngine(cfg config.SecurityConfig, auditLogger domain.AuditLogger, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		auditLogger: auditLogger,
		logger:      logger,
	}

	var err error
	e.protectedRe, err = compilePatterns(cfg.ProtectedRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid protected room pattern: %w", err)
	}
	return e, nil
}

// Check evaluates, in order: the deny list, protected rooms for room
// commands, the allow list, then the default policy.
func (e *Engine) Check(ctx context.Context, bot string, command string, params string) (domain.PolicyAction, error) {
	if slices.Contains(e.cfg.DeniedCommands, command) {
		return e.block(ctx, bot, command, params, "deny list")
	}

	if roomID, ok := targetRoom(command, params); ok {
		for _, re := range e.protectedRe {
			if re.MatchString(roomID) {
				return e.block(ctx, bot, command, params, "protected room: "+re.String())
			}
		}
	}

	if slices.Contains(e.cfg.AllowedCommands, command) {
		return e.allow(ctx, bot, command, params, "allow list")
	}

	if e.cfg.DefaultPolicy == "deny" {
		return e.block(ctx, bot, command, params, "default policy: deny")
	}
	return e.allow(ctx, bot, command, params, "default policy: allow")
}

func (e *Engine) allow(ctx context.Context, bot, command, params, reason string) (domain.PolicyAction, error) {
	e.logAction(ctx, domain.AuditEntry{Action: "command_exec", Actor: bot, Command: command, Params: params, Result: "allowed", Details: reason})
	return domain.ActionAllow, nil
}

func (e *Engine) block(ctx context.Context, bot, command, params, reason string) (domain.PolicyAction, error) {
	e.logger.Warn("bot command BLOCKED",
		"bot", bot,
		"command", command,
		"params", params,
		"reason", reason,
	)
	e.logAction(ctx, domain.AuditEntry{Action: "command_blocked", Actor: bot, Command: command, Params: params, Result: "blocked", Details: reason})
	return domain.ActionBlock, nil
}

// LogAction writes an audit entry when auditing is enabled.
func (e *Engine) LogAction(ctx context.Context, entry domain.AuditEntry) error {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return nil
	}
	return e.auditLogger.LogAction(ctx, entry)
}

func (e *Engine) logAction(ctx context.Context, entry domain.AuditEntry) {
	if err := e.LogAction(ctx, entry); err != nil {
		e.logger.Warn("audit log write failed", "err", err)
	}
}

// targetRoom extracts the room id a room command operates on.
func targetRoom(command, params string) (string, bool) {
	switch command {
	case "delete-room":
		return strings.TrimSpace(params), true
	case "rename-room":
		id, _, _ := strings.Cut(params, ":")
		return strings.TrimSpace(id), true
	}
	return "", false
}

// compilePatterns compiles regex-looking patterns as-is. Plain strings
// become case-insensitive exact matches.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)^` + regexp.QuoteMeta(p) + `$`)
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	return strings.ContainsAny(s, `()[]{}|^$.*+?\`)
}
