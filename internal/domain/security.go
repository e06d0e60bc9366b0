package domain

import "context"

type PolicyAction string

const (
	ActionAllow PolicyAction = "allow"
	ActionBlock PolicyAction = "block"
)

// CommandPolicy decides whether a bot may run an inline system command.
type CommandPolicy interface {
	Check(ctx context.Context, bot string, command string, params string) (PolicyAction, error)
}

type AuditLogger interface {
	LogAction(ctx context.Context, entry AuditEntry) error
}

type AuditEntry struct {
	Action  string // command_exec | command_blocked | command_failed
	Actor   string // bot persona name
	Command string
	Params  string
	Result  string // allowed | blocked | failed | ok
	Details string
}
