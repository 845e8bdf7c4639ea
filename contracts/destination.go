package contracts

import (
	"fmt"
	"strings"
)

// DestinationKind tells broadcast channels apart from direct ones
type DestinationKind int

const (
	// Broadcast destinations deliver every message to every subscriber
	Broadcast DestinationKind = iota
	// Direct destinations deliver each message to exactly one consumer
	Direct
)

// String returns the wire name of the kind
func (k DestinationKind) String() string {
	switch k {
	case Broadcast:
		return "broadcast"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("DestinationKind(%d)", int(k))
	}
}

// ParseDestinationKind parses the wire name of a kind. "topic" and "queue"
// are accepted as aliases.
func ParseDestinationKind(s string) (DestinationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "broadcast", "topic":
		return Broadcast, nil
	case "direct", "queue":
		return Direct, nil
	default:
		return 0, fmt.Errorf("unknown destination kind %q", s)
	}
}

// Destination identifies a named channel on the broker
type Destination struct {
	Name string          `json:"name"`
	Kind DestinationKind `json:"kind"`
}

// NewTopic returns a broadcast destination
func NewTopic(name string) Destination {
	return Destination{Name: name, Kind: Broadcast}
}

// NewQueue returns a direct destination
func NewQueue(name string) Destination {
	return Destination{Name: name, Kind: Direct}
}

// IsZero reports whether the destination is unset
func (d Destination) IsZero() bool {
	return d.Name == ""
}

// String renders the destination as kind://name
func (d Destination) String() string {
	return d.Kind.String() + "://" + d.Name
}
