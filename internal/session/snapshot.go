package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Admission errors returned by [Snapshot.Validate], in the order they are
// checked.
var (
	ErrUnknownSession    = errors.New("session: unknown session")
	ErrChannelOutOfRange = errors.New("session: channel index out of range")
	ErrChannelBusy       = errors.New("session: channel already streaming")
	ErrNotStarted        = errors.New("session: scheduled start not reached")
	ErrEnded             = errors.New("session: scheduled end passed")
)

// Snapshot is an immutable view of the sessions the registry currently
// permits. It is replaced wholesale on every registry update.
type Snapshot struct {
	byID map[string]Session
}

// NewSnapshot builds a snapshot from sessions. Channels are stored sorted by
// id so that routing indexes are computed once. Later duplicates of a session
// id replace earlier ones.
func NewSnapshot(sessions []Session) *Snapshot {
	s := &Snapshot{byID: make(map[string]Session, len(sessions))}
	for _, sess := range sessions {
		sess.Channels = SortChannels(sess.Channels)
		s.byID[sess.ID] = sess
	}
	return s
}

// Len returns the number of sessions in s. A nil snapshot is empty.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byID)
}

// Lookup returns the session with the given id.
func (s *Snapshot) Lookup(id string) (Session, bool) {
	if s == nil {
		return Session{}, false
	}
	sess, ok := s.byID[id]
	return sess, ok
}

// IDs returns the session ids in s, sorted.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(s.byID))
}

// Removed returns the ids present in s but absent from next, sorted.
func (s *Snapshot) Removed(next *Snapshot) []string {
	var out []string
	for _, id := range s.IDs() {
		if _, ok := next.Lookup(id); !ok {
			out = append(out, id)
		}
	}
	return out
}

// Target is the result of a successful admission: the session and the
// channel resolved from a routing key.
type Target struct {
	Session Session
	Channel Channel
	Index   int
}

// Key returns the channel key of t.
func (t Target) Key() ChannelKey {
	return ChannelKey{SessionID: t.Session.ID, ChannelID: t.Channel.ID}
}

// Validate decides whether a stream for key may start at now. The checks run
// in a fixed order and the first failure is returned:
//
//  1. the session is unknown
//  2. the channel index is out of range after sorting channels by id
//  3. the channel's stream status is already active
//  4. autoStart is set and now precedes scheduleOn
//  5. autoEnd is set and now is past endOn
func (s *Snapshot) Validate(key RoutingKey, now time.Time) (Target, error) {
	sess, ok := s.Lookup(key.SessionID)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownSession, key.SessionID)
	}
	if key.ChannelIndex < 0 || key.ChannelIndex >= len(sess.Channels) {
		return Target{}, fmt.Errorf("%w: %d of %d", ErrChannelOutOfRange, key.ChannelIndex, len(sess.Channels))
	}
	ch := sess.Channels[key.ChannelIndex]
	if ch.StreamStatus == StreamActive {
		return Target{}, fmt.Errorf("%w: channel %d", ErrChannelBusy, ch.ID)
	}
	if sess.AutoStart && sess.ScheduleOn != nil && now.Before(*sess.ScheduleOn) {
		return Target{}, fmt.Errorf("%w: starts at %s", ErrNotStarted, sess.ScheduleOn.Format(time.RFC3339))
	}
	if sess.AutoEnd && sess.EndOn != nil && now.After(*sess.EndOn) {
		return Target{}, fmt.Errorf("%w: ended at %s", ErrEnded, sess.EndOn.Format(time.RFC3339))
	}
	return Target{Session: sess, Channel: ch, Index: key.ChannelIndex}, nil
}
