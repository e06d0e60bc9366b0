package agent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"roomchat/internal/domain"
	"roomchat/internal/persona"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (don't send to LLM)
}

// version is set by the build system.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

// Version returns the version string.
func Version() string { return version }

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// HandleCommand answers a user chat command without calling the model.
// Unrecognised commands return Handled=false so the message is forwarded
// to the model as normal text.
func (r *Responder) HandleCommand(ctx context.Context, cmd *ChatCommand, room *domain.Room, bot persona.Persona) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "bots":
		return CommandResult{Response: r.botsText(), Handled: true}

	case "notes":
		return CommandResult{Response: r.notesText(ctx, room.ID), Handled: true}

	case "status":
		return CommandResult{Response: r.statusText(room, bot), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("roomchat v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func helpText() string {
	return `Commands:
/help - show this help
/bots - list the bots you can chat with
/notes - show what I remember about this room
/status - show bot status
/version - show version info`
}

func (r *Responder) botsText() string {
	var sb strings.Builder
	sb.WriteString("Bots:\n")
	for _, p := range r.personas.List() {
		fmt.Fprintf(&sb, "\n- %s (%s)", p.User().DisplayName, p.Name)
	}
	return sb.String()
}

func (r *Responder) notesText(ctx context.Context, roomID string) string {
	notes, err := r.store.ListNotes(ctx, roomID)
	if err != nil {
		r.logger.Warn("failed to list room notes", "room", roomID, "error", err)
		return "I can't read my notes right now."
	}
	if len(notes) == 0 {
		return "I haven't noted anything about this room yet."
	}
	var sb strings.Builder
	sb.WriteString("What I remember about this room:\n")
	for _, n := range notes {
		fmt.Fprintf(&sb, "\n- %s: %s", n.Key, n.Value)
	}
	return sb.String()
}

func (r *Responder) statusText(room *domain.Room, bot persona.Persona) string {
	providerName := "none"
	if p := r.resolveProvider(bot); p != nil {
		providerName = p.Name()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "roomchat v%s\n\n", version)
	fmt.Fprintf(&sb, "Bot: %s\n", bot.User().DisplayName)
	fmt.Fprintf(&sb, "Provider: %s\n", providerName)
	fmt.Fprintf(&sb, "Room: %s (%d members)\n", room.Title, len(room.Members))
	fmt.Fprintf(&sb, "Uptime: %s", time.Since(r.startedAt).Round(time.Second))
	return sb.String()
}
