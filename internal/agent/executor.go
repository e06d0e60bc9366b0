package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"roomchat/internal/bus"
	"roomchat/internal/domain"
)

// Supported inline system commands.
const (
	CmdDeleteRoom = "delete-room"
	CmdRenameRoom = "rename-room"
	CmdBlockUser  = "block-user"
)

// KnownCommands lists the commands a bot may embed in its replies.
var KnownCommands = []string{CmdDeleteRoom, CmdRenameRoom, CmdBlockUser}

// CommandTarget applies the side effects of system commands.
type CommandTarget interface {
	DeleteRoom(ctx context.Context, roomID string) error
	RenameRoom(ctx context.Context, roomID, title string) error
	BlockUser(ctx context.Context, userID string) error
}

// Outcome classifies what happened to one command.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeUnknown       Outcome = "unknown"
	OutcomeMissingParams Outcome = "missing_params"
	OutcomeDenied        Outcome = "denied"
	OutcomeFailed        Outcome = "failed"
)

// CommandReport is the per-command result of ExecuteAll.
type CommandReport struct {
	Command BotCommand
	Outcome Outcome
	Err     error
}

// Scope identifies who issued a batch of commands and where.
type Scope struct {
	Actor  string // bot persona name
	RoomID string // room the reply was written in
	// Allowed restricts the commands this actor may run. Nil allows all.
	Allowed []string
}

type ExecutorConfig struct {
	Target CommandTarget
	Policy domain.CommandPolicy // optional
	Events *bus.EventBus        // optional; receives command.failed notifications
	Audit  domain.AuditLogger   // optional; records failures
	Logger *slog.Logger
}

// CommandExecutor runs system commands extracted from bot replies.
type CommandExecutor struct {
	target CommandTarget
	policy domain.CommandPolicy
	events *bus.EventBus
	audit  domain.AuditLogger
	logger *slog.Logger
}

func NewCommandExecutor(cfg ExecutorConfig) *CommandExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CommandExecutor{
		target: cfg.Target,
		policy: cfg.Policy,
		events: cfg.Events,
		audit:  cfg.Audit,
		logger: cfg.Logger,
	}
}

// Execute runs a single command. Unknown commands, missing parameters and
// policy denials are logged and reported through the Outcome with a nil
// error. Only a failing store operation returns an error.
func (e *CommandExecutor) Execute(ctx context.Context, scope Scope, cmd BotCommand) (Outcome, error) {
	if !slices.Contains(KnownCommands, cmd.Command) {
		e.logger.Warn("unknown bot command", "command", cmd.Command, "bot", scope.Actor)
		return OutcomeUnknown, nil
	}
	if scope.Allowed != nil && !slices.Contains(scope.Allowed, cmd.Command) {
		e.logger.Warn("bot command not allowed for persona", "command", cmd.Command, "bot", scope.Actor)
		return OutcomeDenied, nil
	}
	if e.policy != nil {
		action, err := e.policy.Check(ctx, scope.Actor, cmd.Command, cmd.Params)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("policy check: %w", err)
		}
		if action == domain.ActionBlock {
			e.logger.Warn("bot command blocked by policy", "command", cmd.Command, "params", cmd.Params, "bot", scope.Actor)
			return OutcomeDenied, nil
		}
	}

	switch cmd.Command {
	case CmdDeleteRoom:
		roomID := strings.TrimSpace(cmd.Params)
		if roomID == "" {
			e.logger.Warn("delete-room requires a room id", "bot", scope.Actor)
			return OutcomeMissingParams, nil
		}
		if err := e.target.DeleteRoom(ctx, roomID); err != nil {
			return OutcomeFailed, fmt.Errorf("delete room %s: %w", roomID, err)
		}
		e.logger.Info("room deleted by bot", "room", roomID, "bot", scope.Actor)

	case CmdRenameRoom:
		parts := strings.Split(cmd.Params, ":")
		if len(parts) < 2 {
			e.logger.Warn("rename-room requires <roomId>:<newName>", "params", cmd.Params, "bot", scope.Actor)
			return OutcomeMissingParams, nil
		}
		roomID := strings.TrimSpace(parts[0])
		title := strings.TrimSpace(strings.Join(parts[1:], ":"))
		if roomID == "" || title == "" {
			e.logger.Warn("rename-room requires <roomId>:<newName>", "params", cmd.Params, "bot", scope.Actor)
			return OutcomeMissingParams, nil
		}
		if err := e.target.RenameRoom(ctx, roomID, title); err != nil {
			return OutcomeFailed, fmt.Errorf("rename room %s: %w", roomID, err)
		}
		e.logger.Info("room renamed by bot", "room", roomID, "title", title, "bot", scope.Actor)

	case CmdBlockUser:
		userID := strings.TrimSpace(cmd.Params)
		if userID == "" {
			e.logger.Warn("block-user requires a user id", "bot", scope.Actor)
			return OutcomeMissingParams, nil
		}
		if err := e.target.BlockUser(ctx, userID); err != nil {
			return OutcomeFailed, fmt.Errorf("block user %s: %w", userID, err)
		}
		e.logger.Info("user blocked by bot", "user", userID, "bot", scope.Actor)
	}
	return OutcomeApplied, nil
}

// ExecuteAll runs cmds in order. A failing command is logged and announced
// on the event bus; the remaining commands still run.
func (e *CommandExecutor) ExecuteAll(ctx context.Context, scope Scope, cmds []BotCommand) []CommandReport {
	reports := make([]CommandReport, 0, len(cmds))
	for _, cmd := range cmds {
		outcome, err := e.Execute(ctx, scope, cmd)
		if err != nil {
			e.logger.Error("bot command failed",
				"command", cmd.Command,
				"params", cmd.Params,
				"room", scope.RoomID,
				"err", err,
			)
			if e.audit != nil {
				_ = e.audit.LogAction(ctx, domain.AuditEntry{
					Action:  "command_failed",
					Actor:   scope.Actor,
					Command: cmd.Command,
					Params:  cmd.Params,
					Result:  "failed",
					Details: err.Error(),
				})
			}
			if e.events != nil {
				e.events.Emit(bus.Event{
					Type:   bus.EventCommandFailed,
					Source: "executor",
					Payload: map[string]any{
						"room_id": scope.RoomID,
						"command": cmd.Command,
						"error":   err.Error(),
						"message": fmt.Sprintf("Command %q could not be completed.", cmd.Command),
					},
				})
			}
		}
		reports = append(reports, CommandReport{Command: cmd, Outcome: outcome, Err: err})
	}
	return reports
}
