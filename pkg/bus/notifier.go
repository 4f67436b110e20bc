package bus

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/sipeed/packclaw/pkg/logger"
	"github.com/sipeed/packclaw/pkg/utils"
)

// NotifierOptions tunes outbound delivery. Zero values pick the defaults.
type NotifierOptions struct {
	MaxMessageLength int     // runes, default 1800
	RatePerSecond    float64 // per-channel, default 1
	Burst            int     // default 5
	QueueSize        int     // default 100
}

// Notifier forwards component notifications to the host's ChatNotify
// callback. Delivery is best-effort: messages over a channel's rate budget
// or past a full queue are dropped with a warning, never blocking the
// caller.
type Notifier struct {
	fn       ChatNotifyFunc
	maxLen   int
	rps      float64
	burst    int
	limiters sync.Map // channelID -> *rate.Limiter

	queue    chan Notification
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewNotifier(fn ChatNotifyFunc, opts NotifierOptions) *Notifier {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 1800
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	n := &Notifier{
		fn:     fn,
		maxLen: opts.MaxMessageLength,
		rps:    opts.RatePerSecond,
		burst:  opts.Burst,
		queue:  make(chan Notification, opts.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go n.dispatchLoop()
	return n
}

// Notify queues text for delivery to channelID. Long bodies are truncated
// with an ellipsis before the transport ever sees them.
func (n *Notifier) Notify(channelID, text, platform string) {
	if n.fn == nil {
		logger.DebugCF("notify", "No transport registered, dropping notification", map[string]any{
			"channel": channelID,
		})
		return
	}
	if text == "" {
		return
	}

	if !n.limiter(channelID).Allow() {
		logger.WarnCF("notify", "Rate limit exceeded, dropping notification", map[string]any{
			"channel": channelID,
		})
		return
	}

	msg := Notification{
		ChannelID: channelID,
		Text:      utils.Truncate(text, n.maxLen),
		Platform:  platform,
	}

	select {
	case n.queue <- msg:
	default:
		logger.WarnCF("notify", "Queue full, dropping notification", map[string]any{
			"channel": channelID,
		})
	}
}

func (n *Notifier) limiter(channelID string) *rate.Limiter {
	if l, ok := n.limiters.Load(channelID); ok {
		return l.(*rate.Limiter)
	}
	l, _ := n.limiters.LoadOrStore(channelID, rate.NewLimiter(rate.Limit(n.rps), n.burst))
	return l.(*rate.Limiter)
}

func (n *Notifier) dispatchLoop() {
	defer close(n.doneCh)
	for {
		select {
		case msg := <-n.queue:
			n.fn(msg.ChannelID, msg.Text, msg.Platform)
		case <-n.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case msg := <-n.queue:
					n.fn(msg.ChannelID, msg.Text, msg.Platform)
				default:
					return
				}
			}
		}
	}
}

// Close stops the dispatch loop after draining queued notifications.
func (n *Notifier) Close() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		<-n.doneCh
	})
}
