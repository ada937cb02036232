// Package orchestrator routes inbound bus commands to the scanner, the
// filter chain, and the GATT primitives, enforces the scan/connect exclusion
// at the interface level, and publishes advertisement, scan-result, and
// GATT-result events back to the bus.
package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sterwen-technology/blegw/internal/bleerr"
	"github.com/sterwen-technology/blegw/internal/bus"
	"github.com/sterwen-technology/blegw/internal/decode"
	"github.com/sterwen-technology/blegw/internal/exclusion"
	"github.com/sterwen-technology/blegw/internal/filter"
	"github.com/sterwen-technology/blegw/internal/gatt"
	"github.com/sterwen-technology/blegw/internal/gattops"
	"github.com/sterwen-technology/blegw/internal/registry"
	"github.com/sterwen-technology/blegw/internal/scanner"
	"github.com/sterwen-technology/blegw/internal/session"
)

// Orchestrator owns the gateway's control plane: one instance per process,
// wired to a single controller interface.
type Orchestrator struct {
	gwID     string
	bus      bus.Bus
	scanner  *scanner.Scanner
	ops      *gattops.Ops
	sessions *session.Manager
	devices  *registry.Registry
	gate     *exclusion.Gate
	decoders *decode.Registry
	disp     *Dispatcher
	log      *logrus.Entry

	ctx  context.Context
	grp  *errgroup.Group
	stop context.CancelFunc

	// advertisement/scan-result reporting modes, set by the latest scan
	// command.
	modeMu     sync.Mutex
	resultMode string
	advMode    string
	subTopics  bool
}

// New wires an Orchestrator over the already-constructed core components and
// installs its hooks on the session manager, scanner, and dispatcher.
func New(gwID string, b bus.Bus, sc *scanner.Scanner, ops *gattops.Ops, sm *session.Manager, devices *registry.Registry, gate *exclusion.Gate, decoders *decode.Registry, log *logrus.Entry) *Orchestrator {
	o := &Orchestrator{
		gwID:       gwID,
		bus:        b,
		scanner:    sc,
		ops:        ops,
		sessions:   sm,
		devices:    devices,
		gate:       gate,
		decoders:   decoders,
		disp:       NewDispatcher(log),
		log:        log,
		resultMode: bus.ReportSummary,
		advMode:    bus.ReportMin,
	}

	sm.OnConnect(func(dev *registry.Device) { gate.DeviceConnected() })
	sm.OnDisconnect(func(dev *registry.Device) { gate.DeviceDisconnected() })
	sm.OnNotification(o.handleNotification)

	sc.OnDiscovery(func(dev *registry.Device, isNewDevice, isNewData bool) {
		o.disp.Advertisement(dev)
	})
	sc.OnEnd(func(s scanner.Summary) {
		o.disp.ScanEnd(s)
	})

	o.disp.OnAdvertisement(o.publishAdvertisement)
	o.disp.OnScanEnd(o.publishScanResult)
	o.disp.OnNotification(o.publishNotification)

	return o
}

// Dispatcher exposes the callback dispatcher, for tests and for callers that
// install additional sinks.
func (o *Orchestrator) Dispatcher() *Dispatcher { return o.disp }

// Start subscribes the three inbound command topics and begins processing.
// Scan and GATT commands each run on their own goroutine so a slow GATT
// transaction never blocks the commands behind it. Filter commands do no I/O
// and run on the delivering goroutine, so a command that follows one on the
// bus sees the new chain.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.ctx = ctx
	o.stop = cancel
	o.grp, _ = errgroup.WithContext(ctx)

	filterHandler := func(topic string, payload []byte) {
		log := o.log.WithField("cid", uuid.NewString()[:8])
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("command handler panicked: %v", r)
			}
		}()
		o.handleFilterCommand(log, topic, payload)
	}

	if err := o.bus.Subscribe(bus.ScanTopic(o.gwID), o.dispatchCommand(o.handleScanCommand)); err != nil {
		return err
	}
	if err := o.bus.Subscribe(bus.FilterTopic(o.gwID), filterHandler); err != nil {
		return err
	}
	if err := o.bus.Subscribe(bus.GattTopicFilter(o.gwID), o.dispatchCommand(o.handleGattCommand)); err != nil {
		return err
	}
	return nil
}

// Shutdown stops the scanner, disconnects every device, and waits for
// in-flight command goroutines to finish.
func (o *Orchestrator) Shutdown() {
	o.scanner.Stop()
	o.disconnectAll()
	if o.stop != nil {
		o.stop()
	}
	if o.grp != nil {
		_ = o.grp.Wait()
	}
}

// dispatchCommand wraps a command handler with the one-goroutine-per-command
// fan-out and panic confinement.
func (o *Orchestrator) dispatchCommand(h func(log *logrus.Entry, topic string, payload []byte)) bus.Handler {
	return func(topic string, payload []byte) {
		log := o.log.WithField("cid", uuid.NewString()[:8])
		o.grp.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("command handler panicked: %v", r)
				}
			}()
			h(log, topic, payload)
			return nil
		})
	}
}

// disconnectAll tears down every connected device, used by the scanner's
// force_disconnect path and by Shutdown.
func (o *Orchestrator) disconnectAll() {
	for _, dev := range o.devices.Connected() {
		if err := o.sessions.Disconnect(dev); err != nil {
			dev.Log.WithError(err).Warn("forced disconnect failed")
		}
	}
}

// ApplyDefaults runs the configured startup filter and scan commands, in the
// same JSON shapes as their bus payloads. Invoked once at first bus connect.
func (o *Orchestrator) ApplyDefaults(defaultFilters, defaultScan string) {
	if defaultFilters != "" {
		o.log.Info("applying default filter configuration")
		o.handleFilterCommand(o.log, bus.FilterTopic(o.gwID), []byte(defaultFilters))
	}
	if defaultScan != "" {
		o.log.Info("applying default scan configuration")
		o.handleScanCommand(o.log, bus.ScanTopic(o.gwID), []byte(defaultScan))
	}
}

// --- inbound command handlers ---

func (o *Orchestrator) handleScanCommand(log *logrus.Entry, _ string, payload []byte) {
	cmd, err := bus.ParseScanCommand(payload)
	if err != nil {
		log.WithError(err).Error("rejecting scan request")
		return
	}

	o.modeMu.Lock()
	o.resultMode = cmd.Result
	o.advMode = cmd.Advertisement
	o.subTopics = cmd.SubTopics
	o.modeMu.Unlock()
	o.disp.SetReportInterval(time.Duration(cmd.AdvInterval * float64(time.Second)))

	timeout := time.Duration(cmd.Timeout * float64(time.Second))
	period := time.Duration(cmd.Period * float64(time.Second))

	switch cmd.Command {
	case bus.ScanTimeScan:
		if period == 0 {
			if _, err := o.scanner.ScanAsync(o.ctx, timeout, true, o.disconnectAll); err != nil {
				log.WithError(err).Error("scan start failed")
			}
		} else {
			if err := o.scanner.ScanPeriodic(o.ctx, timeout, period, true, o.disconnectAll); err != nil {
				log.WithError(err).Error("periodic scan start failed")
			}
		}
	case bus.ScanStart:
		if _, err := o.scanner.ScanIndefinite(o.ctx, true, o.disconnectAll); err != nil {
			log.WithError(err).Error("scan start failed")
		}
	case bus.ScanStop:
		o.scanner.Stop()
	}
}

func (o *Orchestrator) handleFilterCommand(log *logrus.Entry, _ string, payload []byte) {
	specs, err := bus.ParseFilterCommand(payload)
	if err != nil {
		log.WithError(err).Error("rejecting filter request")
		return
	}

	filters := make([]filter.Filter, 0, len(specs))
	for _, s := range specs {
		switch s.Type {
		case bus.FilterRSSI:
			filters = append(filters, filter.RSSIMin{Min: s.MinRSSI})
		case bus.FilterWhiteList:
			filters = append(filters, filter.NewWhitelist(s.Addresses))
		case bus.FilterConnectable:
			filters = append(filters, filter.Connectable{Want: s.ConnectableFlag})
		case bus.FilterStartsWith:
			filters = append(filters, filter.NamePrefix{Prefix: s.MatchString})
		case bus.FilterMfgIDEq:
			filters = append(filters, filter.MfgIDEq{ID: s.MfgID})
		}
	}
	log.WithField("filters", len(filters)).Info("installing filter chain")
	o.scanner.SetFilterChain(filter.NewChain(filters...))
}

func (o *Orchestrator) handleGattCommand(log *logrus.Entry, topic string, payload []byte) {
	mac := bus.MACFromTopic(topic)
	if mac == "" {
		log.WithField("topic", topic).Error("rejecting gatt request: invalid address")
		return
	}
	cmd, err := bus.ParseGattCommand(payload)
	if err != nil {
		log.WithError(err).Error("rejecting gatt request")
		return
	}
	o.RunGatt(log, mac, cmd, true)
}

// RunGatt executes one GATT command against mac and publishes its
// gatt_result. With queue true the command waits for an active scan to
// finish; with queue false it is rejected instead (transport error code).
// All GATT commands are total: a result message is always published.
func (o *Orchestrator) RunGatt(log *logrus.Entry, mac string, cmd bus.GattCommand, queue bool) {
	errCode := bleerr.CodeOK
	var result map[string]interface{}

	if err := o.gate.WaitScanFinished(o.ctx, queue); err != nil {
		log.WithError(err).Warn("gatt command rejected: scan active")
		o.publishGattResult(mac, cmd, bleerr.CodeTransport, nil)
		return
	}

	keep := time.Duration(cmd.Keep * float64(time.Second))

	switch cmd.Command {
	case bus.GattDiscover:
		desc, err := o.ops.Discover(o.ctx, mac, keep, cmd.Service, cmd.Properties)
		if err != nil {
			log.WithError(err).Error("gatt discover failed")
			errCode = bleerr.CodeDeviceNotFound
		} else {
			result = discoverDict(desc, cmd.Properties)
		}

	case bus.GattRead:
		actions := make([]gattops.ReadAction, 0, len(cmd.Actions))
		for _, a := range cmd.Actions {
			t, _ := gatt.ValueTypeFromWire(a.Type)
			actions = append(actions, gattops.ReadAction{Characteristic: a.Characteristic, Type: t})
		}
		results, err := o.ops.ReadCharacteristics(o.ctx, mac, actions, keep)
		if err != nil {
			log.WithError(err).Error("gatt read failed")
			errCode = bleerr.CodeOf(err)
			break
		}
		values := make([]map[string]interface{}, 0, len(results))
		for _, r := range results {
			if r.Err != nil {
				log.WithError(r.Err).Debug("gatt read action failed")
				errCode = bleerr.CodeOf(r.Err)
				continue
			}
			values = append(values, map[string]interface{}{
				"characteristic": r.Characteristic,
				"type":           r.Type.WireCode(),
				"value":          r.Value,
			})
		}
		result = map[string]interface{}{"values": values}

	case bus.GattWrite:
		actions := make([]gattops.WriteAction, 0, len(cmd.Actions))
		for _, a := range cmd.Actions {
			t, _ := gatt.ValueTypeFromWire(a.Type)
			actions = append(actions, gattops.WriteAction{Characteristic: a.Characteristic, Type: t, Value: a.Value})
		}
		results, err := o.ops.WriteCharacteristics(o.ctx, mac, actions, keep)
		if err != nil {
			log.WithError(err).Error("gatt write failed")
			errCode = bleerr.CodeOf(err)
			break
		}
		for _, r := range results {
			if r.Err != nil {
				log.WithError(r.Err).Debug("gatt write action failed")
				errCode = bleerr.CodeOf(r.Err)
			}
		}

	case bus.GattAllowNotifications:
		actions := make([]gattops.NotifyAction, 0, len(cmd.Actions))
		for _, a := range cmd.Actions {
			t, _ := gatt.ValueTypeFromWire(a.Type)
			actions = append(actions, gattops.NotifyAction{Characteristic: a.Characteristic, Type: t, HasValue: a.HasValue, Value: a.Value})
		}
		results, err := o.ops.AllowNotifications(o.ctx, mac, actions, keep)
		if err != nil {
			log.WithError(err).Error("gatt allow_notifications failed")
			errCode = bleerr.CodeOf(err)
			break
		}
		for _, r := range results {
			if r.Err != nil {
				log.WithError(r.Err).Debug("gatt notify action failed")
				errCode = bleerr.CodeOf(r.Err)
			}
		}
	}

	o.publishGattResult(mac, cmd, errCode, result)
}

// --- outbound event publication ---

func (o *Orchestrator) publish(topic string, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		o.log.WithError(err).WithField("topic", topic).Error("event marshal failed")
		return
	}
	if err := o.bus.Publish(topic, b); err != nil {
		o.log.WithError(err).WithField("topic", topic).Warn("event publish failed")
	}
}

func (o *Orchestrator) publishGattResult(mac string, cmd bus.GattCommand, errCode int, result map[string]interface{}) {
	out := map[string]interface{}{
		"command": cmd.Command,
		"error":   errCode,
	}
	if cmd.TransacID != nil {
		out["transac_id"] = *cmd.TransacID
	}
	if errCode == bleerr.CodeOK && result != nil {
		out["result"] = result
	}
	o.publish(bus.GattResultTopic(o.gwID, mac), out)
}

func (o *Orchestrator) publishScanResult(s scanner.Summary) {
	o.modeMu.Lock()
	mode := o.resultMode
	o.modeMu.Unlock()
	if mode == bus.ReportNone {
		return
	}

	errCode := bleerr.CodeOK
	if s.Err != nil {
		errCode = bleerr.CodeOf(s.Err)
	}
	out := map[string]interface{}{
		"timestamp":    unixSeconds(s.Timestamp),
		"error":        errCode,
		"dev_detected": s.Detected,
		"dev_selected": s.Accepted,
	}
	if mode == bus.ReportDevices {
		devices := make([]map[string]interface{}, 0)
		for _, d := range o.devices.All() {
			devices = append(devices, map[string]interface{}{
				"address":    d.MAC,
				"local_name": d.Name(),
				"rssi":       d.RSSI(),
			})
		}
		out["devices"] = devices
	}
	o.publish(bus.ScanResultTopic(o.gwID), out)
}

func (o *Orchestrator) publishAdvertisement(dev *registry.Device) {
	o.modeMu.Lock()
	advMode := o.advMode
	subTopics := o.subTopics
	o.modeMu.Unlock()

	if subTopics {
		o.publishSubTopics(dev)
	}

	out := map[string]interface{}{}
	switch advMode {
	case bus.ReportMin:
		minDict(dev, out)
	case bus.ReportFull:
		fullDict(dev, out, o.decoders)
	default:
		return
	}
	o.publish(bus.AdvertisementTopic(o.gwID, dev.MAC, ""), out)
}

// publishSubTopics emits the per-kind advertisement sub-topic: eddystone or
// ibeacon fields for beacons, one decoded service-data message per registered
// service otherwise.
func (o *Orchestrator) publishSubTopics(dev *registry.Device) {
	if es := dev.Eddystone(); es != nil {
		out := decode.EddystoneFrameFields(es.FrameType, es.Body)
		out["timestamp"] = unixSeconds(dev.AdvTimestamp())
		o.publish(bus.AdvertisementTopic(o.gwID, dev.MAC, "eddystone"), out)
		return
	}
	if ib := dev.IBeacon(); ib != nil {
		out := map[string]interface{}{
			"timestamp": unixSeconds(dev.AdvTimestamp()),
			"uuid":      ib.String(),
			"major":     ib.Major,
			"minor":     ib.Minor,
			"txpower":   ib.MeasuredPower,
		}
		o.publish(bus.AdvertisementTopic(o.gwID, dev.MAC, "ibeacon"), out)
		return
	}

	for uuidStr, sd := range dev.ServiceData() {
		name, value, err := o.decoders.Decode(sd.UUID, sd.Data)
		if err != nil {
			dev.Log.WithError(err).WithField("service", uuidStr).Debug("service data decode failed, skipping")
			continue
		}
		if name == "" {
			continue
		}
		o.publish(bus.AdvertisementTopic(o.gwID, dev.MAC, name), map[string]interface{}{
			"timestamp": unixSeconds(dev.AdvTimestamp()),
			"type":      wireTypeOf(value),
			"value":     jsonValue(value),
		})
	}

	if id, data, ok := dev.Manufacturer(); ok {
		name, value, found, err := o.decoders.DecodeManufacturer(id, data)
		if err != nil {
			dev.Log.WithError(err).WithField("mfg_id", id).Debug("manufacturer data decode failed, skipping")
			return
		}
		if found {
			o.publish(bus.AdvertisementTopic(o.gwID, dev.MAC, name), map[string]interface{}{
				"timestamp": unixSeconds(dev.AdvTimestamp()),
				"type":      wireTypeOf(value),
				"value":     jsonValue(value),
			})
		}
	}
}

// handleNotification is the session manager's notification hook: it coerces
// the raw bytes with the characteristic's declared type and hands the event
// to the dispatcher.
func (o *Orchestrator) handleNotification(dev *registry.Device, ch *gatt.Characteristic, data []byte, at time.Time) {
	v, err := gattops.Coerce(ch.DeclaredType, data)
	if err != nil {
		dev.Log.WithError(err).WithField("characteristic", ch.UUID.String()).Warn("notification decode failed")
		return
	}
	o.disp.Notification(NotificationEvent{
		MAC:            dev.MAC,
		Characteristic: ch.UUID.String(),
		WireType:       ch.DeclaredType.WireCode(),
		Value:          v,
		Timestamp:      at,
	})
}

func (o *Orchestrator) publishNotification(ev NotificationEvent) {
	o.publish(bus.GattResultTopic(o.gwID, ev.MAC), map[string]interface{}{
		"command":        "notification",
		"characteristic": ev.Characteristic,
		"type":           ev.WireType,
		"value":          ev.Value,
		"timestamp":      unixSeconds(ev.Timestamp),
	})
}

// --- advertisement payload builders ---

func minDict(dev *registry.Device, out map[string]interface{}) {
	out["local_name"] = dev.Name()
	out["timestamp"] = unixSeconds(dev.AdvTimestamp())
	out["rssi"] = dev.RSSI()
	out["flags"] = dev.Flags()
	out["connectable"] = dev.Connectable()
}

func fullDict(dev *registry.Device, out map[string]interface{}, decoders *decode.Registry) {
	minDict(dev, out)

	sd := dev.ServiceData()
	out["service_data"] = len(sd)
	if len(sd) > 0 {
		arr := make([]map[string]interface{}, 0, len(sd))
		for uuidStr, datum := range sd {
			_, value, err := decoders.Decode(datum.UUID, datum.Data)
			if err != nil {
				value = datum.Data
			}
			arr = append(arr, map[string]interface{}{
				"service_uuid": uuidStr,
				"type":         wireTypeOf(value),
				"value":        jsonValue(value),
			})
		}
		out["service_data_array"] = arr
	}
	if id, data, ok := dev.Manufacturer(); ok {
		out["mfg_id"] = id
		out["mfg_data"] = hex.EncodeToString(data)
	}
}

func discoverDict(desc gattops.DiscoverResult, properties bool) map[string]interface{} {
	services := make([]map[string]interface{}, 0, len(desc.Services))
	for _, s := range desc.Services {
		chars := make([]interface{}, 0, len(s.Characteristics))
		for _, c := range s.Characteristics {
			if properties && c.Properties != nil {
				chars = append(chars, map[string]interface{}{"uuid": c.UUID, "properties": *c.Properties})
			} else {
				chars = append(chars, c.UUID)
			}
		}
		services = append(services, map[string]interface{}{
			"uuid":            s.UUID,
			"characteristics": chars,
		})
	}
	return map[string]interface{}{"services": services}
}

// wireTypeOf maps a decoded Go value onto the wire type code reported next to
// it.
func wireTypeOf(v interface{}) int {
	switch v.(type) {
	case int64, int:
		return gatt.WireInt
	case float64:
		return gatt.WireFloat
	case string:
		return gatt.WireString
	default:
		return gatt.WireRaw
	}
}

// jsonValue renders raw byte payloads as hex strings; everything else passes
// through.
func jsonValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return hex.EncodeToString(b)
	}
	return v
}

// unixSeconds renders a timestamp as fractional seconds since the epoch,
// the form every published payload uses.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
