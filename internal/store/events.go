package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventLevel is an Event's severity, used to split /status's recent-events
// view into errors and everything else.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is one entry in the gateway's bounded activity log: a routing
// decision, a circuit-breaker trip, a quota refresh outcome, an admin
// mutation. Code is a dotted identifier (e.g. "usage.refresh_failed",
// "routing.back_to_preferred"); Fields carries code-specific detail
// undecoded, so adding a new event code never requires a store migration.
type Event struct {
	ID       string          `json:"id"`
	UnixMS   int64           `json:"unix_ms"`
	Provider string          `json:"provider,omitempty"`
	Level    EventLevel      `json:"level"`
	Code     string          `json:"code"`
	Message  string          `json:"message,omitempty"`
	Fields   json.RawMessage `json:"fields,omitempty"`
}

func eventKey(unixMS int64, id string) string {
	// Zero-padded to 20 digits so lexicographic key order matches
	// chronological order even once unix_ms grows past 10 digits.
	return fmt.Sprintf("%s%020d:%s", PrefixEvent, unixMS, id)
}

// AddEvent appends an event, assigning it an ID if the caller left one
// unset.
func (s *SQLiteStore) AddEvent(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.UnixMS == 0 {
		e.UnixMS = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.Put(ctx, eventKey(e.UnixMS, e.ID), raw)
}

// ListEvents returns the most recent events, newest first, capped at
// limit (0 = the full retained window, at most maxEvents).
func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > maxEvents {
		limit = maxEvents
	}
	entries, err := s.ListRange(ctx, PrefixEvent, limit, true)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return decodeEvents(entries)
}

// ListEventsSplit returns up to maxError newest error-level events
// followed by up to maxOther newest non-error events, each group newest
// first, computed during a single reverse scan of the event: prefix.
func (s *SQLiteStore) ListEventsSplit(ctx context.Context, maxError, maxOther int) ([]Event, error) {
	entries, err := s.ListRange(ctx, PrefixEvent, 0, true)
	if err != nil {
		return nil, fmt.Errorf("list events split: %w", err)
	}
	var errs, others []Event
	for _, e := range entries {
		if len(errs) >= maxError && len(others) >= maxOther {
			break
		}
		var ev Event
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			continue
		}
		if ev.Level == EventLevelError {
			if len(errs) < maxError {
				errs = append(errs, ev)
			}
			continue
		}
		if len(others) < maxOther {
			others = append(others, ev)
		}
	}
	out := make([]Event, 0, len(errs)+len(others))
	out = append(out, errs...)
	out = append(out, others...)
	return out, nil
}

// ListEventsRange returns events with unix_ms in [fromMS, toMS), oldest
// first.
func (s *SQLiteStore) ListEventsRange(ctx context.Context, fromMS, toMS int64) ([]Event, error) {
	entries, err := s.ListRange(ctx, PrefixEvent, 0, false)
	if err != nil {
		return nil, fmt.Errorf("list events range: %w", err)
	}
	lower := eventKey(fromMS, "")
	upper := eventKey(toMS, "")
	out := make([]Event, 0, len(entries))
	for _, e := range entries {
		if e.Key < lower {
			continue
		}
		if e.Key >= upper {
			break
		}
		var ev Event
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeEvents(entries []Entry) ([]Event, error) {
	out := make([]Event, 0, len(entries))
	for _, e := range entries {
		var ev Event
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", e.Key, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
