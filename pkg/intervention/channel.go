package intervention

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Channel delivers an intervention to the user over one medium.
// Implementations wrap external services (push gateway, email provider,
// ticketing system) and must honor ctx cancellation.
type Channel interface {
	Name() ChannelName
	Deliver(ctx context.Context, rec *Record) error
}

// ChannelRegistry manages available delivery channels with thread-safe
// registration and lookup.
type ChannelRegistry struct {
	channels map[ChannelName]Channel
	mu       sync.RWMutex
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[ChannelName]Channel),
	}
}

// Register adds a channel. Returns an error if the name is taken.
func (r *ChannelRegistry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[ch.Name()]; exists {
		return fmt.Errorf("channel %s already registered", ch.Name())
	}

	r.channels[ch.Name()] = ch
	return nil
}

// Get returns a channel by name, or nil when not registered.
func (r *ChannelRegistry) Get(name ChannelName) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.channels[name]
}

// Names returns the registered channel names.
func (r *ChannelRegistry) Names() []ChannelName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]ChannelName, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// LogChannel is a delivery channel that only logs. It backs local runs
// and demo mode, where no real gateway is wired.
type LogChannel struct {
	name ChannelName
}

// NewLogChannel creates a logging stand-in for the named channel.
func NewLogChannel(name ChannelName) *LogChannel {
	return &LogChannel{name: name}
}

// Name implements Channel.
func (c *LogChannel) Name() ChannelName { return c.name }

// Deliver implements Channel.
func (c *LogChannel) Deliver(_ context.Context, rec *Record) error {
	logrus.WithFields(logrus.Fields{
		"channel": c.name,
		"userId":  rec.UserID,
		"type":    rec.Type,
		"variant": rec.VariantID,
	}).Info("delivering intervention")
	return nil
}
