package channel

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/bus"
	"roomchat/internal/config"
	"roomchat/internal/domain"
)

func TestCLI_CreatesRoomAndPostsLines(t *testing.T) {
	f := newWebFixture(t, config.WebAuth{})
	out := &syncBuffer{}
	msgBus := bus.New(4, testLogger())
	defer msgBus.Close()

	cli := NewCLI(CLIConfig{
		Rooms:  f.rooms,
		RoomID: "terminal",
		Title:  "Terminal",
		UserID: "me",
		Logger: testLogger(),
		In:     strings.NewReader("hello there\n\n/quit\nnever sent\n"),
		Out:    out,
	})
	require.NoError(t, cli.Start(context.Background(), msgBus))

	msgs, err := f.rooms.ListMessages(context.Background(), "terminal", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Text)
	assert.Equal(t, "me", msgs[0].SenderID)
	assert.Contains(t, out.String(), `Room "Terminal"`)

	msgBus.SendOutbound(domain.OutboundMessage{RoomID: "terminal", SenderID: "bot:assistant", Content: "hi!", ChunkIndex: 0, ChunkCount: 1})
	msgBus.SendOutbound(domain.OutboundMessage{RoomID: "elsewhere", SenderID: "bot:assistant", Content: "not mine", ChunkCount: 1})
	assert.Contains(t, out.String(), "bot:assistant> hi!")
	assert.NotContains(t, out.String(), "not mine")
}
