package blegw

import (
	"github.com/sirupsen/logrus"

	"github.com/sterwen-technology/blegw/internal/bus"
	"github.com/sterwen-technology/blegw/internal/decode"
	"github.com/sterwen-technology/blegw/internal/hci"
)

// Option is a programmatic override applied at Gateway construction, on top
// of the persisted JSON configuration.
type Option func(*Gateway)

// WithAdapter supplies the HCI adapter, replacing the default Linux raw
// socket implementation. Mainly used by tests and by ports to other host
// stacks.
func WithAdapter(a hci.Adapter) Option {
	return func(g *Gateway) { g.adapter = a }
}

// WithBus supplies the message bus, replacing the default MQTT client built
// from the configuration.
func WithBus(b bus.Bus) Option {
	return func(g *Gateway) { g.bus = b }
}

// WithLogger supplies the root log entry all component loggers derive from.
func WithLogger(log *logrus.Entry) Option {
	return func(g *Gateway) { g.log = log }
}

// WithDecoders supplies a pre-populated payload decoder registry, for callers
// that register additional vendor decoders before startup.
func WithDecoders(r *decode.Registry) Option {
	return func(g *Gateway) { g.decoders = r }
}
