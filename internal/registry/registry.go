// Package registry loads the externally managed session registry and turns
// it into full replacement snapshots.
//
// Three sources are available: [FileSource] polls a YAML or JSON file,
// [PostgresSource] polls a table and reloads as soon as a NOTIFY arrives, and
// [HTTPSource] accepts snapshots pushed by an operator or an event bus bridge.
// Every source hands complete session lists to a [Publish] callback; the
// consumer diffs consecutive snapshots itself.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/streamscribe/internal/session"
)

// Publish receives a complete registry snapshot.
type Publish func(sessions []session.Session)

// document is the object form of a registry file: {"sessions": [...]}.
type document struct {
	Sessions []session.Session `json:"sessions" yaml:"sessions"`
}

// Decode parses a session list. JSON input is detected by content; anything
// else is parsed as YAML. Both a bare list and an object with a "sessions"
// key are accepted. The result is validated with [Validate].
func Decode(data []byte) ([]session.Session, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var (
		sessions []session.Session
		err      error
	)
	if json.Valid(trimmed) {
		sessions, err = decodeJSON(trimmed)
	} else {
		sessions, err = decodeYAML(trimmed)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func decodeJSON(data []byte) ([]session.Session, error) {
	if data[0] == '[' {
		var list []session.Session
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("registry: decode json: %w", err)
		}
		return list, nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("registry: decode json: %w", err)
	}
	return doc.Sessions, nil
}

func decodeYAML(data []byte) ([]session.Session, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("registry: decode yaml: %w", err)
	}
	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) == 1 {
		root = root.Content[0]
	}
	if root.Kind == yaml.SequenceNode {
		var list []session.Session
		if err := root.Decode(&list); err != nil {
			return nil, fmt.Errorf("registry: decode yaml: %w", err)
		}
		return list, nil
	}
	var doc document
	if err := root.Decode(&doc); err != nil {
		return nil, fmt.Errorf("registry: decode yaml: %w", err)
	}
	return doc.Sessions, nil
}

// Validate checks a session list for problems that would make routing
// ambiguous. It returns a joined error listing all of them.
func Validate(sessions []session.Session) error {
	var errs []error
	seen := make(map[string]int, len(sessions))
	for i, s := range sessions {
		prefix := fmt.Sprintf("sessions[%d]", i)
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := seen[s.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of sessions[%d]", prefix, s.ID, prev))
		} else {
			seen[s.ID] = i
		}
		if s.Status != "" && !s.Status.IsValid() {
			errs = append(errs, fmt.Errorf("%s.status %q is invalid; valid values: ready, active, terminated", prefix, s.Status))
		}
		if s.AutoStart && s.ScheduleOn == nil {
			errs = append(errs, fmt.Errorf("%s: autoStart requires scheduleOn", prefix))
		}
		if s.AutoEnd && s.EndOn == nil {
			errs = append(errs, fmt.Errorf("%s: autoEnd requires endOn", prefix))
		}
		chIDs := make(map[int64]struct{}, len(s.Channels))
		for _, ch := range s.Channels {
			if _, dup := chIDs[ch.ID]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate channel id %d", prefix, ch.ID))
			}
			chIDs[ch.ID] = struct{}{}
		}
	}
	return errors.Join(errs...)
}

// Live drops terminated sessions. A session that turns terminated is treated
// like one that disappeared.
func Live(sessions []session.Session) []session.Session {
	out := make([]session.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Status != session.StatusTerminated {
			out = append(out, s)
		}
	}
	return out
}
