package link

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// State is the connection state of the direct link.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	// Error is part of the shared network-state vocabulary; the manager itself
	// never enters it (every failure resolves to Disconnected).
	Error State = "error"
)

// LinkState is the observable snapshot published after every transition.
type LinkState struct {
	State   State     `json:"state"`
	Address string    `json:"address,omitempty"`
	Since   time.Time `json:"since"`
}

var (
	ErrInvalidAddress = errors.New("link: address must be <ipv4>:<port>")
	ErrSelfConnect    = errors.New("link: cannot connect to self")
	ErrLinkBusy       = errors.New("link: already connecting or connected")
	ErrNotConnected   = errors.New("link: not connected")
	errAborted        = errors.New("link: connect aborted")
)

var addressPattern = regexp.MustCompile(`^((25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])\.){3}(25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9]):([0-9]{1,5})$`)

// ValidAddress reports whether s is "<IPv4 dotted quad>:<port>".
// Hostnames and IPv6 are rejected.
func ValidAddress(s string) bool {
	m := addressPattern.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	port, err := strconv.Atoi(m[len(m)-1])
	return err == nil && port > 0 && port <= 65535
}

// sameAddress compares two ip:port strings ignoring surrounding whitespace.
func sameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && a == b
}
