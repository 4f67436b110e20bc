package bus

import (
	"strings"
	"sync"
	"testing"
)

type deliverySink struct {
	mu   sync.Mutex
	msgs []Notification
}

func (d *deliverySink) notify(channelID, text, platform string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, Notification{ChannelID: channelID, Text: text, Platform: platform})
}

func (d *deliverySink) all() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, len(d.msgs))
	copy(out, d.msgs)
	return out
}

func TestNotifierDeliversAndTruncates(t *testing.T) {
	sink := &deliverySink{}
	n := NewNotifier(sink.notify, NotifierOptions{MaxMessageLength: 1800, RatePerSecond: 100, Burst: 100})

	long := strings.Repeat("x", 2500)
	n.Notify("chan-1", "short", "discord")
	n.Notify("chan-1", long, "discord")
	n.Close()

	msgs := sink.all()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(msgs))
	}
	if msgs[0].Text != "short" {
		t.Errorf("first message = %q", msgs[0].Text)
	}
	if got := len([]rune(msgs[1].Text)); got != 1800 {
		t.Errorf("long message delivered with %d runes, want 1800", got)
	}
	if !strings.HasSuffix(msgs[1].Text, "...") {
		t.Errorf("truncated message should end with ellipsis")
	}
}

func TestNotifierDropsOverRateBudget(t *testing.T) {
	sink := &deliverySink{}
	n := NewNotifier(sink.notify, NotifierOptions{RatePerSecond: 0.001, Burst: 2})

	for i := 0; i < 10; i++ {
		n.Notify("busy-chan", "msg", "slack")
	}
	n.Close()

	if got := len(sink.all()); got != 2 {
		t.Fatalf("expected burst of 2 delivered, got %d", got)
	}
}

func TestNotifierRateLimitIsPerChannel(t *testing.T) {
	sink := &deliverySink{}
	n := NewNotifier(sink.notify, NotifierOptions{RatePerSecond: 0.001, Burst: 1})

	n.Notify("a", "one", "slack")
	n.Notify("b", "two", "slack")
	n.Close()

	if got := len(sink.all()); got != 2 {
		t.Fatalf("expected one delivery per channel, got %d", got)
	}
}

func TestNotifierNilCallbackIsNoop(t *testing.T) {
	n := NewNotifier(nil, NotifierOptions{})
	n.Notify("chan", "text", "cli")
	n.Close()
}

func TestNotifierSkipsEmptyText(t *testing.T) {
	sink := &deliverySink{}
	n := NewNotifier(sink.notify, NotifierOptions{RatePerSecond: 100, Burst: 100})

	n.Notify("chan", "", "cli")
	n.Close()

	if got := len(sink.all()); got != 0 {
		t.Fatalf("expected empty text to be skipped, got %d deliveries", got)
	}
}
