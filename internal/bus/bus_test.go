package bus

import (
	"testing"

	"roomchat/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(2, testEBLogger())
	b.Publish(domain.InboundMessage{RoomID: "r1", Content: "hi"})

	msg := <-b.Subscribe()
	if msg.RoomID != "r1" || msg.Content != "hi" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestInMemoryBus_OutboundRouting(t *testing.T) {
	b := New(1, testEBLogger())

	var tg, cli []string
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { tg = append(tg, m.Content) })
	b.OnOutbound("cli", func(m domain.OutboundMessage) { cli = append(cli, m.Content) })
	b.OnOutbound("cli", func(m domain.OutboundMessage) { cli = append(cli, "again:"+m.Content) })

	b.SendOutbound(domain.OutboundMessage{Channel: "cli", Content: "a"})
	b.SendOutbound(domain.OutboundMessage{Channel: "web", Content: "ignored"})

	if len(tg) != 0 {
		t.Errorf("telegram got %v", tg)
	}
	if len(cli) != 2 || cli[0] != "a" || cli[1] != "again:a" {
		t.Errorf("cli got %v", cli)
	}
}

func TestInMemoryBus_WildcardOutbound(t *testing.T) {
	b := New(1, testEBLogger())

	var all []string
	b.OnOutbound("*", func(m domain.OutboundMessage) { all = append(all, m.Channel+":"+m.Content) })

	b.SendOutbound(domain.OutboundMessage{Channel: "web", Content: "a"})
	b.SendOutbound(domain.OutboundMessage{Content: "nudge"})

	if len(all) != 2 || all[0] != "web:a" || all[1] != ":nudge" {
		t.Errorf("wildcard got %v", all)
	}
}

func TestInMemoryBus_CloseStopsPublish(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close()
	b.Publish(domain.InboundMessage{RoomID: "r1"})

	if _, ok := <-b.Subscribe(); ok {
		t.Error("expected closed inbound channel")
	}
}
