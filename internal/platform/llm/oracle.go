// Package llm implements the decision oracle on top of chat-completion APIs.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Model is a selectable oracle model.
type Model struct {
	Name     string
	Provider Provider
	ID       string
}

// DefaultModels are the models offered by the control API.
var DefaultModels = []Model{
	{Name: "gpt", Provider: ProviderOpenAI, ID: "gpt-4o"},
	{Name: "claude", Provider: ProviderAnthropic, ID: "claude-sonnet-4-20250514"},
	{Name: "claude-opus", Provider: ProviderAnthropic, ID: "claude-opus-4-20250514"},
}

var aliases = map[string]string{
	"openai":        "gpt",
	"claude-sonnet": "claude",
	"opus":          "claude-opus",
}

// Completer sends a prompt to a model.
type Completer interface {
	Complete(ctx context.Context, model, system, user string) (string, error)
}

// Oracle implements domain.Oracle and domain.ModelSelector.
type Oracle struct {
	clients map[Provider]Completer
	models  []Model
	logger  *slog.Logger

	mu      sync.RWMutex
	current Model
}

var (
	_ domain.Oracle        = (*Oracle)(nil)
	_ domain.ModelSelector = (*Oracle)(nil)
)

// NewOracle creates an Oracle. Models whose provider has no client are not
// offered. initial names the starting model.
func NewOracle(clients map[Provider]Completer, models []Model, initial string, logger *slog.Logger) (*Oracle, error) {
	o := &Oracle{clients: clients, logger: logger.With(slog.String("component", "oracle"))}
	for _, m := range models {
		if _, ok := clients[m.Provider]; ok {
			o.models = append(o.models, m)
		}
	}
	if len(o.models) == 0 {
		return nil, fmt.Errorf("llm: no model has a configured provider")
	}
	o.current = o.models[0]
	if initial != "" {
		if err := o.SetModel(initial); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Model returns the active model name.
func (o *Oracle) Model() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current.Name
}

// Models lists the selectable model names.
func (o *Oracle) Models() []string {
	out := make([]string, len(o.models))
	for i, m := range o.models {
		out[i] = m.Name
	}
	return out
}

// SetModel switches the active model. Aliases such as "openai" and "opus"
// are accepted.
func (o *Oracle) SetModel(name string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	for _, m := range o.models {
		if m.Name == key {
			o.mu.Lock()
			o.current = m
			o.mu.Unlock()
			o.logger.Info("oracle model switched", slog.String("model", m.Name), slog.String("id", m.ID))
			return nil
		}
	}
	return fmt.Errorf("llm: %w: %q", domain.ErrUnknownModel, name)
}

// Analyze asks the active model for an entry decision.
func (o *Oracle) Analyze(ctx context.Context, snap domain.MarketSnapshot) (domain.Decision, error) {
	system, user, err := analysisPrompt(snap)
	if err != nil {
		return domain.Decision{}, err
	}
	return o.ask(ctx, "analysis", system, user, false)
}

// Monitor asks the active model what to do with the open position.
func (o *Oracle) Monitor(ctx context.Context, snap domain.MarketSnapshot, pos domain.PositionInfo) (domain.MonitorVerdict, error) {
	system, user, err := monitoringPrompt(snap, pos)
	if err != nil {
		return domain.MonitorVerdict{}, err
	}
	d, err := o.ask(ctx, "monitoring", system, user, true)
	if err != nil {
		return domain.MonitorVerdict{}, err
	}
	return domain.MonitorVerdict{Decision: d}, nil
}

func (o *Oracle) ask(ctx context.Context, kind, system, user string, allowClose bool) (domain.Decision, error) {
	o.mu.RLock()
	m := o.current
	o.mu.RUnlock()

	text, err := o.clients[m.Provider].Complete(ctx, m.ID, system, user)
	if err != nil {
		return domain.Decision{}, err
	}
	d, err := ParseDecision(text, allowClose)
	if err != nil {
		o.logger.WarnContext(ctx, "oracle reply not parseable",
			slog.String("kind", kind),
			slog.String("model", m.Name),
			slog.String("error", err.Error()),
		)
		return domain.Decision{}, err
	}
	d.Model = m.Name
	o.logger.InfoContext(ctx, "oracle decision",
		slog.String("kind", kind),
		slog.String("model", m.Name),
		slog.String("action", string(d.Action)),
		slog.Int("leverage", d.Leverage),
		slog.Int("expected_minutes", d.ExpectedMinutes),
	)
	return d, nil
}
