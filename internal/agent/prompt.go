package agent

import (
	"fmt"
	"strings"
	"time"

	"roomchat/internal/domain"
	"roomchat/internal/persona"
)

// PromptBuilder assembles the system prompt and chat history for a bot turn.
type PromptBuilder struct {
	extra string // operator instructions appended to every persona
	now   func() time.Time
}

func NewPromptBuilder(extra string) *PromptBuilder {
	return &PromptBuilder{extra: extra, now: time.Now}
}

// commandGrammar tells the model how to embed side effects in its reply.
const commandGrammar = `## Room actions
You may act on the chat by writing a line on its own, exactly in this form:
/system:delete-room:<roomId>
/system:rename-room:<roomId>:<new title>
/system:block-user:<userId>
Such lines are removed before anyone sees your message.
To remember something about this room, write /meta:<key>:<value> on its own line.
Only use an action when the conversation clearly calls for it.`

// BuildSystemPrompt returns the persona prompt with room context, the action
// grammar and the notes previously left on the room.
func (p *PromptBuilder) BuildSystemPrompt(bot persona.Persona, room *domain.Room, notes []domain.RoomNote, allowed []string) string {
	var sb strings.Builder

	if bot.SystemPrompt != "" {
		sb.WriteString(strings.TrimSpace(bot.SystemPrompt))
	} else {
		fmt.Fprintf(&sb, "You are %s, a participant in a group chat.", bot.User().DisplayName)
	}
	sb.WriteString("\nWrite short messages like a person texting. Separate distinct thoughts with blank lines.")

	fmt.Fprintf(&sb, "\n\n## Room\nID: %s\nTitle: %s\nMembers: %s\nCurrent time: %s",
		room.ID, room.Title, strings.Join(room.Members, ", "), p.now().Format("2006-01-02 15:04 (Monday)"))

	sb.WriteString("\n\n")
	sb.WriteString(commandGrammar)
	if allowed != nil {
		if len(allowed) == 0 {
			sb.WriteString("\nYou are not allowed to use any /system action.")
		} else {
			fmt.Fprintf(&sb, "\nYou may only use these actions: %s.", strings.Join(allowed, ", "))
		}
	}

	if len(notes) > 0 {
		sb.WriteString("\n\n## Notes about this room\n")
		for _, n := range notes {
			sb.WriteString("- ")
			sb.WriteString(n.Key)
			sb.WriteString(": ")
			sb.WriteString(n.Value)
			sb.WriteByte('\n')
		}
	}

	if p.extra != "" {
		sb.WriteString("\n\n## Custom Instructions\n")
		sb.WriteString(p.extra)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildMessages converts stored room history into chat turns. Messages by
// botID become assistant turns; everyone else is a user turn prefixed with
// the speaker's name so the model can tell people apart.
func (p *PromptBuilder) BuildMessages(history []domain.ChatMessage, botID string) []domain.Message {
	messages := make([]domain.Message, 0, len(history))
	for _, m := range history {
		content := m.Text
		switch {
		case content == "" && m.GifURL != "":
			content = "[sent a gif]"
		case content == "" && m.AttachmentID != "":
			content = "[sent an attachment]"
		case content == "":
			continue
		}
		if m.SenderID == botID {
			messages = append(messages, domain.Message{Role: "assistant", Content: content})
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = m.SenderID
		}
		messages = append(messages, domain.Message{
			Role:    "user",
			Content: fmt.Sprintf("%s (%s): %s", name, m.SenderID, content),
		})
	}
	return messages
}
