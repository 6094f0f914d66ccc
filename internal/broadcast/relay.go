package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultRelayPrefix is the subject prefix used by NATSRelay
const DefaultRelayPrefix = "broadcast"

// NATSRelay mirrors hub messages onto core NATS subjects so other
// instances and dashboards can follow live state
type NATSRelay struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSRelay creates a relay publishing under prefix
func NewNATSRelay(nc *nats.Conn, prefix string) *NATSRelay {
	if prefix == "" {
		prefix = DefaultRelayPrefix
	}
	return &NATSRelay{nc: nc, prefix: prefix}
}

// Subject maps a hub topic to a NATS subject
func (r *NATSRelay) Subject(topic string) string {
	return r.prefix + "." + strings.NewReplacer(":", ".", " ", "_").Replace(topic)
}

// Relay publishes msg on the subject of topic
func (r *NATSRelay) Relay(topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.nc.Publish(r.Subject(topic), data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
