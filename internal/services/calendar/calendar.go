package calendar

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"FxDesk/internal/domain/models"

	"gopkg.in/yaml.v3"
)

// Static serves a fixed list of events.
type Static struct {
	mu     sync.RWMutex
	events []models.CalendarEvent
}

func NewStatic(events ...models.CalendarEvent) *Static {
	s := &Static{}
	s.Replace(events)
	return s
}

// Replace swaps the event list.
func (s *Static) Replace(events []models.CalendarEvent) {
	cp := append([]models.CalendarEvent(nil), events...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].ScheduledAt.Before(cp[j].ScheduledAt) })
	s.mu.Lock()
	s.events = cp
	s.mu.Unlock()
}

// Events returns events scheduled in [from, to], earliest first.
func (s *Static) Events(ctx context.Context, from, to time.Time) ([]models.CalendarEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CalendarEvent
	for _, e := range s.events {
		if e.ScheduledAt.Before(from) || e.ScheduledAt.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type calendarFile struct {
	Events []models.CalendarEvent `yaml:"events"`
}

// File is a YAML calendar loaded from disk. Reload picks up edits.
type File struct {
	*Static
	path string
}

func NewFile(path string) (*File, error) {
	f := &File{Static: NewStatic(), path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Reload() error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read calendar: %w", err)
	}
	events, err := Parse(b)
	if err != nil {
		return err
	}
	f.Replace(events)
	return nil
}

// Parse decodes a YAML calendar document.
func Parse(b []byte) ([]models.CalendarEvent, error) {
	var doc calendarFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}
	for i, e := range doc.Events {
		if e.Currency == "" || e.ScheduledAt.IsZero() {
			return nil, fmt.Errorf("parse calendar: event %d (%s) needs currency and scheduled_at", i, e.ID)
		}
		if e.ID == "" {
			doc.Events[i].ID = fmt.Sprintf("%s-%s-%d", e.Currency, e.Type, e.ScheduledAt.Unix())
		}
	}
	return doc.Events, nil
}
