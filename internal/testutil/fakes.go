// Package testutil provides in-memory implementations of the domain
// interfaces for package tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Logger returns a logger that discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ExitUpdate records an UpdateExitLevels call.
type ExitUpdate struct {
	Side       domain.Side
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// Gateway is a scriptable exchange.
type Gateway struct {
	mu sync.Mutex

	position domain.ExchangePosition
	price    decimal.Decimal
	account  domain.Account
	candles  []domain.Candle

	PositionErr error
	PriceErr    error
	OrderErr    error
	CloseErr    error
	// KeepOnClose leaves the position open after ClosePosition, simulating a
	// close the exchange acknowledged but did not execute.
	KeepOnClose bool
	// OnOrder runs after an order has filled, outside the gateway lock.
	OnOrder func(req domain.OrderRequest)

	orders  []domain.OrderRequest
	closes  []domain.Side
	updates []ExitUpdate
	calls   []string
}

// NewGateway creates a flat gateway quoting price with the given balance.
func NewGateway(price, available float64) *Gateway {
	return &Gateway{
		position: domain.ExchangePosition{Side: domain.SideNone},
		price:    decimal.NewFromFloat(price),
		account:  domain.Account{MarginCoin: "USDT", Available: decimal.NewFromFloat(available), Equity: decimal.NewFromFloat(available)},
	}
}

// SetPosition replaces the exchange position.
func (g *Gateway) SetPosition(p domain.ExchangePosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.position = p
}

// Flatten removes the exchange position, as a stop or target fill would.
func (g *Gateway) Flatten() {
	g.SetPosition(domain.ExchangePosition{Side: domain.SideNone})
}

// SetPrice changes the quoted price.
func (g *Gateway) SetPrice(p float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.price = decimal.NewFromFloat(p)
}

// SetErrors sets the injected errors under the gateway lock.
func (g *Gateway) SetErrors(position, price, order, closeErr error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PositionErr, g.PriceErr, g.OrderErr, g.CloseErr = position, price, order, closeErr
}

func (g *Gateway) GetPosition(context.Context) (domain.ExchangePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "position")
	if g.PositionErr != nil {
		return domain.ExchangePosition{}, g.PositionErr
	}
	return g.position, nil
}

func (g *Gateway) GetPrice(context.Context) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "price")
	if g.PriceErr != nil {
		return decimal.Zero, g.PriceErr
	}
	return g.price, nil
}

func (g *Gateway) GetCandles(_ context.Context, _ string, limit int) ([]domain.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "candles")
	if limit > 0 && len(g.candles) > limit {
		return append([]domain.Candle(nil), g.candles[len(g.candles)-limit:]...), nil
	}
	return append([]domain.Candle(nil), g.candles...), nil
}

func (g *Gateway) GetAccount(context.Context) (domain.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "account")
	return g.account, nil
}

func (g *Gateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "order:"+string(req.Side))
	if g.OrderErr != nil {
		err := g.OrderErr
		g.mu.Unlock()
		return domain.OrderResult{}, err
	}
	g.orders = append(g.orders, req)
	g.position = domain.ExchangePosition{
		Side:       req.Side,
		Size:       req.Size,
		EntryPrice: g.price,
		Leverage:   req.Leverage,
	}
	res := domain.OrderResult{OrderID: "order-" + string(req.Side), Price: g.price}
	hook := g.OnOrder
	g.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return res, nil
}

func (g *Gateway) ClosePosition(_ context.Context, side domain.Side) (domain.CloseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "close:"+string(side))
	if g.CloseErr != nil {
		return domain.CloseResult{}, g.CloseErr
	}
	g.closes = append(g.closes, side)
	if !g.KeepOnClose {
		g.position = domain.ExchangePosition{Side: domain.SideNone}
	}
	return domain.CloseResult{OrderIDs: []string{"close-" + string(side)}}, nil
}

func (g *Gateway) UpdateExitLevels(_ context.Context, side domain.Side, sl, tp decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "update_exit")
	g.updates = append(g.updates, ExitUpdate{Side: side, StopLoss: sl, TakeProfit: tp})
	return nil
}

// Orders returns placed orders.
func (g *Gateway) Orders() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.orders...)
}

// Closes returns closed sides in call order.
func (g *Gateway) Closes() []domain.Side {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.Side(nil), g.closes...)
}

// Updates returns exit level updates.
func (g *Gateway) Updates() []ExitUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ExitUpdate(nil), g.updates...)
}

// Calls returns the ordered log of trade-affecting calls.
func (g *Gateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, c := range g.calls {
		if len(c) > 6 && (c[:6] == "order:" || c[:6] == "close:") {
			out = append(out, c)
		}
	}
	return out
}

// Oracle returns scripted decisions.
type Oracle struct {
	mu       sync.Mutex
	decision domain.Decision
	verdict  domain.MonitorVerdict
	err      error
	analyze  int
	monitor  int

	// OnAnalyze runs before Analyze answers, outside the oracle lock.
	OnAnalyze func()
}

// SetDecision scripts the Analyze answer.
func (o *Oracle) SetDecision(d domain.Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decision = d
}

// SetVerdict scripts the Monitor answer.
func (o *Oracle) SetVerdict(v domain.MonitorVerdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verdict = v
}

// SetError makes every call fail with err.
func (o *Oracle) SetError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *Oracle) Analyze(context.Context, domain.MarketSnapshot) (domain.Decision, error) {
	if o.OnAnalyze != nil {
		o.OnAnalyze()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.analyze++
	if o.err != nil {
		return domain.Decision{}, o.err
	}
	return o.decision, nil
}

func (o *Oracle) Monitor(context.Context, domain.MarketSnapshot, domain.PositionInfo) (domain.MonitorVerdict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.monitor++
	if o.err != nil {
		return domain.MonitorVerdict{}, o.err
	}
	return o.verdict, nil
}

// AnalyzeCalls returns how many times Analyze ran.
func (o *Oracle) AnalyzeCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.analyze
}

// MonitorCalls returns how many times Monitor ran.
func (o *Oracle) MonitorCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.monitor
}

// Events records published events.
type Events struct {
	mu     sync.Mutex
	events []domain.Event
}

func (e *Events) Publish(_ context.Context, ev domain.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

// OfType returns recorded events of type t.
func (e *Events) OfType(t domain.EventType) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Settings is an in-memory SettingsStore.
type Settings struct {
	mu     sync.Mutex
	values map[domain.SettingKey]int
}

// NewSettings creates a store holding values.
func NewSettings(values map[domain.SettingKey]int) *Settings {
	s := &Settings{values: map[domain.SettingKey]int{}}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

func (s *Settings) Get(_ context.Context, key domain.SettingKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return v, nil
}

func (s *Settings) All(context.Context) (map[domain.SettingKey]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.SettingKey]int, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *Settings) Set(_ context.Context, key domain.SettingKey, minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = minutes
	return nil
}

// History is an in-memory HistoryStore.
type History struct {
	mu      sync.Mutex
	records []domain.TradeRecord
}

func (h *History) Record(_ context.Context, rec domain.TradeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec.ID = int64(len(h.records) + 1)
	h.records = append(h.records, rec)
	return nil
}

func (h *History) List(_ context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := append([]domain.TradeRecord(nil), h.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (h *History) ListBefore(_ context.Context, before time.Time) ([]domain.TradeRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.TradeRecord
	for _, r := range h.records {
		if r.Timestamp.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (h *History) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.records[:0]
	var n int64
	for _, r := range h.records {
		if r.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	h.records = kept
	return n, nil
}

// Records returns every stored record of action a.
func (h *History) Records(a domain.TradeRecordAction) []domain.TradeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.TradeRecord
	for _, r := range h.records {
		if r.Action == a {
			out = append(out, r)
		}
	}
	return out
}

// Locks is an in-process LockManager.
type Locks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *Locks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// Audit is an in-memory AuditStore.
type Audit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAudit creates an Audit stamping entries with now.
func NewAudit(now func() time.Time) *Audit {
	if now == nil {
		now = time.Now
	}
	return &Audit{now: now}
}

func (a *Audit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: a.now(),
	})
	return nil
}

func (a *Audit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]domain.AuditEntry(nil), a.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (a *Audit) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *Audit) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.entries[:0]
	var n int64
	for _, e := range a.entries {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	a.entries = kept
	return n, nil
}

// Events returns the logged event names in order.
func (a *Audit) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

// Blobs is an in-memory BlobWriter and BlobReader.
type Blobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart []string
}

func (b *Blobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	return b.store(path, data, false)
}

func (b *Blobs) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	return b.store(path, data, true)
}

func (b *Blobs) store(path string, data io.Reader, multipart bool) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[path] = raw
	if multipart {
		b.multipart = append(b.multipart, path)
	}
	return nil
}

func (b *Blobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

// Object returns the stored bytes at path.
func (b *Blobs) Object(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	return raw, ok
}

// Bus is an in-memory SignalBus. Subscribe matches channel names exactly.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
}

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = map[string][]chan []byte{}
	}
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = map[string][]domain.StreamMessage{}
	}
	id := strconv.Itoa(len(b.streams[stream])+1) + "-0"
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	after, _ := strconv.Atoi(strings.SplitN(lastID, "-", 2)[0])
	var out []domain.StreamMessage
	for i, m := range b.streams[stream] {
		if i+1 <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}
