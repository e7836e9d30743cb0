package activity

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names what happened.
type Kind string

// Supported activity kinds.
const (
	KindPageAttached  Kind = "PAGE_ATTACHED"
	KindPageDetached  Kind = "PAGE_DETACHED"
	KindEvaluated     Kind = "QUERY_EVALUATED"
	KindBlocked       Kind = "QUERY_BLOCKED"
	KindBypassStarted Kind = "BYPASS_STARTED"
	KindBypassEnded   Kind = "BYPASS_ENDED"
)

// Event is one activity record. It never carries the query text itself.
type Event struct {
	// ID is a UUIDv7 in 16-byte form.
	ID [16]byte
	// TS is the UTC time the emitter observed the activity.
	TS time.Time
	Kind Kind
	// TabID identifies the browser tab, when there is one.
	TabID string
	// Host is the search engine host the page was showing.
	Host string
	// Source is the observation strategy that produced an evaluation or block.
	Source string
	// MatchedTerm is the word-list entry that caused a block.
	MatchedTerm string
	// Dur is the evaluation latency.
	Dur time.Duration
	// Note holds low-volume context such as an error message.
	Note string
}

// New builds an event with a fresh UUIDv7 and the given time.
func New(kind Kind, ts time.Time) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{ID: id, TS: ts.UTC(), Kind: kind}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID == [16]byte{} {
		return errors.New("event id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindPageAttached, KindPageDetached:
		if e.TabID == "" {
			return fmt.Errorf("%s requires tab id", e.Kind)
		}
	case KindEvaluated:
		if e.Source == "" {
			return errors.New("evaluation requires source")
		}
	case KindBlocked:
		if e.MatchedTerm == "" {
			return errors.New("block requires matched term")
		}
	case KindBypassStarted, KindBypassEnded:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// UUID returns the event id as a uuid.UUID.
func (e Event) UUID() uuid.UUID {
	return uuid.UUID(e.ID)
}
