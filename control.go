package pocketfence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	errNoReloader = errors.New("keyword reload not configured")
	errNoBypass   = errors.New("bypass tokens not configured")
)

// Controller is the command surface shared by the console and the admin
// API. It reads and mutates the engine and proxy and persists user
// changes through the settings store.
type Controller struct {
	Engine   *Engine
	Proxy    *Proxy
	Settings *SettingsStore

	// Keywords reloads the keyword tables (optional).
	Keywords *ReloadableTables

	Logger *slog.Logger

	started  time.Time
	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
	failed   chan error
}

// Status is a snapshot of the running filter.
type Status struct {
	Running          bool     `json:"running"`
	Addrs            []string `json:"addrs,omitempty"`
	AgeLevel         string   `json:"age_level"`
	AgeLabel         string   `json:"age_label"`
	Threshold        float64  `json:"threshold"`
	ChildModeEnabled bool     `json:"child_mode_enabled"`
	Requests         int64    `json:"requests"`
	Blocked          int64    `json:"blocked"`
	OpenTunnels      int      `json:"open_tunnels"`
	Uptime           string   `json:"uptime"`
}

// Stats combines proxy counters with the engine snapshot.
type Stats struct {
	Requests  int64              `json:"requests"`
	Blocked   int64              `json:"blocked"`
	BlockRate float64            `json:"block_rate"`
	Engine    EngineStats        `json:"engine"`
	Outbound  TransportPoolStats `json:"outbound"`
}

// NewController ties the components together.
func NewController(engine *Engine, proxy *Proxy, settings *SettingsStore) *Controller {
	return &Controller{
		Engine:   engine,
		Proxy:    proxy,
		Settings: settings,
		Logger:   slog.Default(),
		started:  time.Now(),
		stopped:  make(chan struct{}),
		failed:   make(chan error, 1),
	}
}

// Start starts the proxy. A later fatal serve error is delivered on
// Failed.
func (c *Controller) Start(ctx context.Context) error {
	if c.Proxy == nil {
		return ErrNotRunning
	}
	if err := c.Proxy.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := c.Proxy.Wait(); err != nil {
			select {
			case c.failed <- err:
			default:
			}
		}
	}()
	return nil
}

// Failed receives the error that stopped a started proxy.
func (c *Controller) Failed() <-chan error {
	return c.failed
}

// Status returns the current state.
func (c *Controller) Status() Status {
	level := c.Engine.AgeLevel()
	s := Status{
		AgeLevel:         level.String(),
		AgeLabel:         level.Label(),
		Threshold:        level.Threshold(),
		ChildModeEnabled: c.Engine.ChildMode(),
		Uptime:           time.Since(c.started).Truncate(time.Second).String(),
	}
	if c.Proxy != nil {
		s.Running = c.Proxy.IsRunning()
		s.Requests = c.Proxy.RequestCount()
		s.Blocked = c.Proxy.BlockedCount()
		s.OpenTunnels = c.Proxy.OpenTunnels()
		for _, a := range c.Proxy.Addrs() {
			s.Addrs = append(s.Addrs, a.String())
		}
	}
	return s
}

// Stats returns counters and the engine snapshot.
func (c *Controller) Stats() Stats {
	s := Stats{Engine: c.Engine.Stats()}
	if c.Proxy != nil {
		s.Requests = c.Proxy.RequestCount()
		s.Blocked = c.Proxy.BlockedCount()
		if s.Requests > 0 {
			s.BlockRate = float64(s.Blocked) / float64(s.Requests)
		}
		if c.Proxy.Transport != nil {
			s.Outbound = c.Proxy.Transport.Stats()
		}
	}
	return s
}

// Config returns the persisted settings.
func (c *Controller) Config() ProxySettings {
	if c.Settings == nil {
		return DefaultSettings()
	}
	return c.Settings.Current()
}

// SetAgeLevel changes the age level and persists it. An unknown name
// returns an error wrapping ErrInvalidAgeLevel and changes nothing. When
// the settings cannot be saved the engine keeps its previous level.
func (c *Controller) SetAgeLevel(name string) error {
	level, err := ParseAgeLevel(name)
	if err != nil {
		return err
	}
	if err := c.persist(func(s *ProxySettings) { s.AgeLevel = level.String() }); err != nil {
		return err
	}
	c.Engine.SetAgeLevel(level)
	c.Logger.Info("age level changed", "age_level", level.String(), "threshold", level.Threshold())
	return nil
}

// SetChildMode enables or disables child-safety analysis and persists it.
// The engine is left unchanged when the settings cannot be saved.
func (c *Controller) SetChildMode(enabled bool) error {
	if err := c.persist(func(s *ProxySettings) { s.ChildModeEnabled = enabled }); err != nil {
		return err
	}
	c.Engine.SetChildMode(enabled)
	c.Logger.Info("child mode changed", "enabled", enabled)
	return nil
}

func (c *Controller) persist(fn func(*ProxySettings)) error {
	if c.Settings == nil {
		return nil
	}
	if _, err := c.Settings.Update(fn); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ApplySettings pushes loaded settings into the engine. A changed port
// only takes effect after a restart.
func (c *Controller) ApplySettings(s ProxySettings) {
	c.Engine.SetAgeLevel(s.Level())
	c.Engine.SetChildMode(s.ChildModeEnabled)
	if c.Proxy != nil && c.Proxy.IsRunning() && s.ProxyPort != c.Proxy.Port {
		c.Logger.Warn("proxy port changed, restart to apply", "current", c.Proxy.Port, "configured", s.ProxyPort)
	}
	c.Logger.Info("settings applied", "age_level", s.Level().String(), "child_mode", s.ChildModeEnabled)
}

// Analyze categorizes text without touching counters.
func (c *Controller) Analyze(text string) ContentAnalysis {
	return c.Engine.Categorize(text)
}

// ReloadKeywords reloads the keyword tables from their sources.
func (c *Controller) ReloadKeywords(ctx context.Context) error {
	if c.Keywords == nil {
		return errNoReloader
	}
	return c.Keywords.Load(ctx)
}

// GenerateBypassToken creates a parent override token.
func (c *Controller) GenerateBypassToken() (string, error) {
	if c.Proxy == nil || c.Proxy.Bypass == nil {
		return "", errNoBypass
	}
	token, err := c.Proxy.Bypass.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("generate bypass token: %w", err)
	}
	c.Logger.Info("bypass token generated", "tokens", c.Proxy.Bypass.TokenCount())
	return token, nil
}

// RevokeBypassTokens removes every parent override token.
func (c *Controller) RevokeBypassTokens() error {
	if c.Proxy == nil || c.Proxy.Bypass == nil {
		return errNoBypass
	}
	c.Proxy.Bypass.RevokeAll()
	c.Logger.Info("bypass tokens revoked")
	return nil
}

// Stop shuts the proxy down once. Later calls return the first result.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		if c.Proxy != nil {
			c.stopErr = c.Proxy.Shutdown(ctx)
		}
		close(c.stopped)
	})
	return c.stopErr
}

// Done is closed after Stop.
func (c *Controller) Done() <-chan struct{} {
	return c.stopped
}
