package agent

import (
	"regexp"
	"strings"
)

// BotCommand is a side-effecting instruction embedded in a bot reply as
// a line of the form /system:<command>:<params>.
type BotCommand struct {
	Command string `json:"command"`
	Params  string `json:"params"`
}

// MetaCommand is an informational /meta:<key>:<value> line. The line stays
// visible in the reply.
type MetaCommand struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Extraction is the result of scanning one chunk for embedded commands.
type Extraction struct {
	ProcessedMessage  string        `json:"processed_message"`
	ContainedCommands bool          `json:"contained_commands"`
	Commands          []BotCommand  `json:"commands,omitempty"`
	MetaCommands      []MetaCommand `json:"meta_commands,omitempty"`
}

var (
	metaLine   = regexp.MustCompile(`^/meta:([^:]+):(.*)$`)
	systemLine = regexp.MustCompile(`^/system:([a-z-]+):(.*)$`)
)

// ExtractCommands removes /system lines from message and reports them in
// order, and records /meta lines without removing them. Matching is done on
// the whitespace-trimmed line. There is no escape syntax: any line that
// looks like a command is treated as one.
func ExtractCommands(message string) Extraction {
	var (
		kept []string
		ext  Extraction
	)
	for _, line := range strings.Split(message, "\n") {
		trimmed := strings.TrimSpace(line)

		if m := metaLine.FindStringSubmatch(trimmed); m != nil {
			ext.MetaCommands = append(ext.MetaCommands, MetaCommand{Key: m[1], Value: m[2]})
			kept = append(kept, line)
			continue
		}
		if m := systemLine.FindStringSubmatch(trimmed); m != nil {
			ext.Commands = append(ext.Commands, BotCommand{Command: m[1], Params: m[2]})
			continue
		}
		kept = append(kept, line)
	}

	ext.ProcessedMessage = strings.TrimSpace(strings.Join(kept, "\n"))
	ext.ContainedCommands = len(ext.Commands) > 0
	return ext
}
