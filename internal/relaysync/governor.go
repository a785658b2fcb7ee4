package relaysync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPeakStartHour = 9
	DefaultPeakEndHour   = 17
	DefaultPeakDeferral  = 8 * time.Hour
)

// PeakWindow denies autonomous cycles while the local hour is in
// [StartHour, EndHour). A window with StartHour > EndHour wraps midnight and
// StartHour == EndHour means no window.
type PeakWindow struct {
	StartHour int
	EndHour   int
	Deferral  time.Duration
	Location  *time.Location
	Disabled  bool
}

func DefaultPeakWindow() PeakWindow {
	return PeakWindow{
		StartHour: DefaultPeakStartHour,
		EndHour:   DefaultPeakEndHour,
		Deferral:  DefaultPeakDeferral,
		Location:  time.UTC,
	}
}

func (w PeakWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
		return fmt.Errorf("%w: peak hours must be within 0-24, got %d-%d", ErrInvalidInput, w.StartHour, w.EndHour)
	}
	if w.Deferral < 0 {
		return fmt.Errorf("%w: negative peak deferral", ErrInvalidInput)
	}
	return nil
}

func (w PeakWindow) Allows(now time.Time) bool {
	if w.Disabled || w.StartHour == w.EndHour {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()
	if w.StartHour < w.EndHour {
		return hour < w.StartHour || hour >= w.EndHour
	}
	return hour < w.StartHour && hour >= w.EndHour
}

func (w PeakWindow) deferral() time.Duration {
	if w.Deferral <= 0 {
		return DefaultPeakDeferral
	}
	return w.Deferral
}

type PeakGovernor struct {
	mu     sync.RWMutex
	window PeakWindow
}

func NewPeakGovernor(window PeakWindow) *PeakGovernor {
	if window.Location == nil {
		window.Location = time.UTC
	}
	return &PeakGovernor{window: window}
}

func (g *PeakGovernor) Window() PeakWindow {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.window
}

func (g *PeakGovernor) SetWindow(window PeakWindow) error {
	if err := window.Validate(); err != nil {
		return err
	}
	if window.Location == nil {
		window.Location = time.UTC
	}
	g.mu.Lock()
	g.window = window
	g.mu.Unlock()
	return nil
}

// Decide reports whether an autonomous cycle may run at now. When it may not,
// the returned time is exactly now plus the deferral.
func (g *PeakGovernor) Decide(now time.Time) (bool, time.Time) {
	window := g.Window()
	if window.Allows(now) {
		return true, time.Time{}
	}
	return false, now.Add(window.deferral())
}

type peakWindowConfig struct {
	StartHour *int   `json:"startHour"`
	EndHour   *int   `json:"endHour"`
	Deferral  string `json:"deferral"`
	Timezone  string `json:"timezone"`
	Disabled  bool   `json:"disabled"`
}

// ParsePeakWindowConfig reads the hot-reload JSON document. Omitted fields
// keep the value from base.
func ParsePeakWindowConfig(data []byte, base PeakWindow) (PeakWindow, error) {
	var cfg peakWindowConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return PeakWindow{}, fmt.Errorf("%w: peak config: %v", ErrInvalidInput, err)
	}
	window := base
	if cfg.StartHour != nil {
		window.StartHour = *cfg.StartHour
	}
	if cfg.EndHour != nil {
		window.EndHour = *cfg.EndHour
	}
	if strings.TrimSpace(cfg.Deferral) != "" {
		deferral, err := time.ParseDuration(strings.TrimSpace(cfg.Deferral))
		if err != nil {
			return PeakWindow{}, fmt.Errorf("%w: peak deferral: %v", ErrInvalidInput, err)
		}
		window.Deferral = deferral
	}
	if strings.TrimSpace(cfg.Timezone) != "" {
		loc, err := time.LoadLocation(strings.TrimSpace(cfg.Timezone))
		if err != nil {
			return PeakWindow{}, fmt.Errorf("%w: peak timezone: %v", ErrInvalidInput, err)
		}
		window.Location = loc
	}
	window.Disabled = cfg.Disabled
	if err := window.Validate(); err != nil {
		return PeakWindow{}, err
	}
	return window, nil
}
