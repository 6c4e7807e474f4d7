package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadRoutingKey is returned by [ParseRoutingKey] for malformed input.
var ErrBadRoutingKey = errors.New("session: malformed routing key")

// RoutingKey identifies the (session, channel) slot a transport connection
// wants to attach to. Its wire form is "<sessionId>,<channelIndex>".
type RoutingKey struct {
	SessionID string

	// ChannelIndex is the zero-based position of the channel after sorting
	// the session's channels ascending by id.
	ChannelIndex int
}

// String returns the wire form of k.
func (k RoutingKey) String() string {
	return k.SessionID + "," + strconv.Itoa(k.ChannelIndex)
}

// ParseRoutingKey parses the wire form "<sessionId>,<channelIndex>".
// Surrounding whitespace and a single leading slash are tolerated.
func ParseRoutingKey(raw string) (RoutingKey, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "/")

	i := strings.LastIndexByte(s, ',')
	if i <= 0 || i == len(s)-1 {
		return RoutingKey{}, fmt.Errorf("%w: %q", ErrBadRoutingKey, raw)
	}
	id, idxStr := s[:i], s[i+1:]
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		return RoutingKey{}, fmt.Errorf("%w: channel index %q", ErrBadRoutingKey, idxStr)
	}
	return RoutingKey{SessionID: id, ChannelIndex: idx}, nil
}

// ChannelKey identifies a channel by its primary key rather than its routing
// index. It keys orchestrators and the running-connection index.
type ChannelKey struct {
	SessionID string
	ChannelID int64
}

// String returns a log-friendly form of k.
func (k ChannelKey) String() string {
	return k.SessionID + "/" + strconv.FormatInt(k.ChannelID, 10)
}
