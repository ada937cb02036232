// Package blegw assembles the BLE gateway: a long-running process that scans
// for BLE advertisements, connects to peripherals over GATT, and bridges both
// to a message bus addressed by device MAC.
//
// The Gateway value owns every core component (adapter, device registry,
// scanner, session manager, orchestrator) and is handed to workers by
// reference; there is no process-wide singleton.
package blegw

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sterwen-technology/blegw/internal/bus"
	"github.com/sterwen-technology/blegw/internal/config"
	"github.com/sterwen-technology/blegw/internal/decode"
	"github.com/sterwen-technology/blegw/internal/decode/ruuvi"
	"github.com/sterwen-technology/blegw/internal/exclusion"
	"github.com/sterwen-technology/blegw/internal/gattops"
	"github.com/sterwen-technology/blegw/internal/hci"
	"github.com/sterwen-technology/blegw/internal/orchestrator"
	"github.com/sterwen-technology/blegw/internal/registry"
	"github.com/sterwen-technology/blegw/internal/scanner"
	"github.com/sterwen-technology/blegw/internal/session"
)

// Gateway is one BLE gateway instance: a single controller interface bridged
// to a single message bus session.
type Gateway struct {
	cfg config.Config
	log *logrus.Entry

	adapter  hci.Adapter
	bus      bus.Bus
	devices  *registry.Registry
	gate     *exclusion.Gate
	scanner  *scanner.Scanner
	sessions *session.Manager
	ops      *gattops.Ops
	decoders *decode.Registry
	orch     *orchestrator.Orchestrator
}

// New constructs a Gateway from cfg and the given options. An adapter and a
// bus must be supplied (via WithAdapter/WithBus) unless the defaults are
// desired: the Linux HCI adapter and the MQTT bus from cfg.
func New(cfg config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{cfg: cfg}
	for _, o := range opts {
		o(g)
	}

	if g.log == nil {
		logger := logrus.New()
		if lvl, err := logrus.ParseLevel(traceToLevel(cfg.Trace)); err == nil {
			logger.SetLevel(lvl)
		}
		g.log = logrus.NewEntry(logger)
	}
	g.log = g.log.WithField("component", "gateway")

	if cfg.GatewayID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("blegw: no gateway id and no hostname: %w", err)
		}
		g.cfg.GatewayID = host
	}

	if g.adapter == nil {
		hciLog := g.log.WithField("component", "hci")
		if cfg.DebugBluez {
			// debug_bluez turns on verbose logging of the host-controller
			// layer without raising the rest of the gateway's level.
			hciLogger := logrus.New()
			hciLogger.SetLevel(logrus.DebugLevel)
			hciLog = logrus.NewEntry(hciLogger).WithField("component", "hci")
		}
		g.adapter = hci.NewLinuxAdapter(hciLog)
	}
	if g.bus == nil {
		g.bus = bus.NewMQTT(bus.MQTTOptions{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  "blegw-" + g.cfg.GatewayID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, g.log.WithField("component", "mqtt"))
	}
	if g.decoders == nil {
		g.decoders = decode.NewRegistry()
	}
	registerVendorDecoders(g.decoders)

	g.devices = registry.New(g.log)
	g.gate = exclusion.New()
	g.scanner = scanner.New(g.adapter, g.devices, g.gate, g.log.WithField("component", "scanner"))
	g.sessions = session.New(g.adapter, cfg.Interface, cfg.NotifMTU, g.log.WithField("component", "session"))
	g.sessions.SetMaxConnect(cfg.MaxConnect)
	g.ops = gattops.New(g.sessions, g.devices)
	g.orch = orchestrator.New(g.cfg.GatewayID, g.bus, g.scanner, g.ops, g.sessions, g.devices, g.gate, g.decoders, g.log.WithField("component", "orchestrator"))

	return g, nil
}

// registerVendorDecoders installs the vendor payload decoders shipped with
// the gateway under the manufacturer-ID namespace.
func registerVendorDecoders(r *decode.Registry) {
	r.RegisterManufacturer(ruuvi.ManufacturerID, "ruuvi", func(data []byte) (interface{}, error) {
		f, err := ruuvi.Decode(data)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"temperature": f.Temperature,
			"humidity":    f.Humidity,
			"pressure":    f.Pressure,
			"accel_x":     f.AccelX,
			"accel_y":     f.AccelY,
			"accel_z":     f.AccelZ,
			"battery_mv":  f.BatteryMV,
		}, nil
	})
}

// Run opens the controller interface, connects the bus, starts the
// orchestrator, and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.adapter.Open(ctx, g.cfg.Interface); err != nil {
		return fmt.Errorf("blegw: open %s: %w", g.cfg.Interface, err)
	}
	defer g.adapter.Close()

	if mb, ok := g.bus.(*bus.MQTTBus); ok {
		mb.OnFirstConnect = func() {
			g.orch.ApplyDefaults(g.cfg.DefaultFilters, g.cfg.DefaultScan)
		}
	}

	if err := g.orch.Start(ctx); err != nil {
		return err
	}
	if err := g.bus.Connect(ctx); err != nil {
		return err
	}
	g.log.WithField("gw_id", g.cfg.GatewayID).Info("gateway started")

	<-ctx.Done()
	g.log.Info("gateway stopping")
	g.orch.Shutdown()
	g.bus.Close()
	return nil
}

// GatewayID reports the effective gateway id after hostname fallback.
func (g *Gateway) GatewayID() string { return g.cfg.GatewayID }

// traceToLevel maps the config file's trace names onto logrus levels.
func traceToLevel(trace string) string {
	switch trace {
	case "warning":
		return "warn"
	case "critical":
		return "fatal"
	case "":
		return "info"
	default:
		return trace
	}
}
