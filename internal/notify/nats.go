package notify

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectNotify is the subject prefix cues are published on; the username of
// the local user is appended.
const SubjectNotify = "notify"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatsync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSNotifier publishes cues to notify.<username> so that a separate
// desktop notifier process can pick them up.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier connects to NATS and returns a notifier publishing for
// username. It returns an error if the initial connection fails.
func NewNATSNotifier(config NATSConfig, username string) (*NATSNotifier, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[notify] nats disconnected: %v", err)
			} else {
				log.Printf("[notify] nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[notify] nats reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: nats connect: %w", err)
	}
	log.Printf("[notify] connected to %s", nc.ConnectedUrl())

	return &NATSNotifier{conn: nc, subject: Subject(username)}, nil
}

// Subject returns the subject cues for username are published on.
func Subject(username string) string {
	return SubjectNotify + "." + username
}

// Notify publishes the encoded cue.
func (n *NATSNotifier) Notify(cue Cue) error {
	data, err := cue.Encode()
	if err != nil {
		return fmt.Errorf("notify: encode cue: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("notify: publish %s: %w", n.subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		log.Printf("[notify] connection drain: %v", err)
	}
}
