package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// EventsChannel is the pub/sub channel carrying live events.
	EventsChannel = "events"
	// EventsStream is the stream keeping recent events for replay.
	EventsStream = "events:log"
)

// alertTitles lists the events forwarded to operator channels.
var alertTitles = map[domain.EventType]string{
	domain.EventLiquidation:   "Position closed",
	domain.EventTradeExecuted: "Trade executed",
	domain.EventForceClose:    "Force close",
	domain.EventError:         "Pipeline error",
}

// Bus implements domain.EventPublisher. Events are JSON-encoded and
// delivered to in-process subscribers, and when a SignalBus is configured
// also published on EventsChannel and appended to EventsStream. Alertable
// events are queued for the Notifier and sent by RunAlerts.
type Bus struct {
	signals  domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	alerts chan domain.Event
}

// NewBus creates a Bus. signals and notifier may be nil.
func NewBus(signals domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Bus {
	return &Bus{
		signals:  signals,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event-bus")),
		subs:     make(map[chan []byte]struct{}),
		alerts:   make(chan domain.Event, 64),
	}
}

// Publish encodes ev and fans it out. Slow local subscribers drop events
// rather than block the caller.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", ev.Type, err)
	}

	if b.signals == nil {
		b.deliverLocal(payload)
	}
	b.queueAlert(ev)

	if b.signals == nil {
		return nil
	}
	var errs []error
	if err := b.signals.Publish(ctx, EventsChannel, payload); err != nil {
		errs = append(errs, err)
	}
	if err := b.signals.StreamAppend(ctx, EventsStream, payload); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *Bus) deliverLocal(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (b *Bus) queueAlert(ev domain.Event) {
	if b.notifier == nil || !b.notifier.Enabled() {
		return
	}
	if _, ok := alertTitles[ev.Type]; !ok {
		return
	}
	select {
	case b.alerts <- ev:
	default:
		b.logger.Warn("alert queue full, dropping", slog.String("type", string(ev.Type)))
	}
}

// Subscribe returns a channel of encoded events that closes when ctx ends.
// With a SignalBus the subscription spans every process sharing it.
func (b *Bus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	if b.signals != nil {
		return b.signals.Subscribe(ctx, EventsChannel)
	}

	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// Recent returns up to count events logged after lastID. Without a
// SignalBus there is no log and the result is empty.
func (b *Bus) Recent(ctx context.Context, lastID string, count int) ([]domain.StreamMessage, error) {
	if b.signals == nil {
		return nil, nil
	}
	if lastID == "" {
		lastID = "0"
	}
	return b.signals.StreamRead(ctx, EventsStream, lastID, count)
}

// RunAlerts sends queued alerts until ctx ends.
func (b *Bus) RunAlerts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.alerts:
			title, msg := FormatAlert(ev)
			if err := b.notifier.Notify(ctx, string(ev.Type), title, msg); err != nil {
				b.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("type", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// FormatAlert renders ev as a title and one "key: value" line per data
// field, sorted by key.
func FormatAlert(ev domain.Event) (string, string) {
	title, ok := alertTitles[ev.Type]
	if !ok {
		title = string(ev.Type)
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return title, fmt.Sprint(ev.Data)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return title, string(raw)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := fields[k]
		switch v.(type) {
		case map[string]any, []any:
			enc, _ := json.Marshal(v)
			fmt.Fprintf(&b, "%s: %s\n", k, enc)
		default:
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	fmt.Fprintf(&b, "at: %s", ev.Timestamp.Format("2006-01-02 15:04:05 MST"))
	return title, b.String()
}

var _ domain.EventPublisher = (*Bus)(nil)
