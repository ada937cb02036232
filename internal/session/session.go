// Package session manages per-device GATT sessions: the connect, discover,
// and disconnect lifecycle, the transaction lock/event pair that serializes
// all operations against one device, the auto-disconnect timer, and the
// notification listener worker.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sterwen-technology/blegw/internal/bleerr"
	"github.com/sterwen-technology/blegw/internal/gatt"
	"github.com/sterwen-technology/blegw/internal/hci"
	"github.com/sterwen-technology/blegw/internal/registry"
)

// DefaultMTU is used when the gateway configuration omits notif_MTU.
const DefaultMTU = 63

// DefaultNotifyDisconnectTimeout is the auto-disconnect timer's re-arm
// interval on each notification delivery.
const DefaultNotifyDisconnectTimeout = 10 * time.Second

// notificationPollQuantum bounds how long the notification worker's select
// waits before re-checking its stop flag.
const notificationPollQuantum = 5 * time.Second

// NotificationHandler is invoked for every inbound notification/indication,
// with the characteristic it arrived on already resolved by handle.
type NotificationHandler func(dev *registry.Device, ch *gatt.Characteristic, data []byte, at time.Time)

// DisconnectHandler is invoked whenever a connected device is closed and
// transitions to idle, whether by explicit request or auto-disconnect timer
// expiry.
type DisconnectHandler func(dev *registry.Device)

// ConnectHandler is invoked once a device completes connect+transition to
// StateConnected, so the Orchestrator can clear the scan/connect exclusion
// event.
type ConnectHandler func(dev *registry.Device)

// Manager is the SessionManager: it owns the adapter and the hooks the
// Orchestrator installs to observe connect/disconnect/notification events.
// A single Manager is shared by every device; per-device state lives on the
// registry.Device itself.
type Manager struct {
	adapter hci.Adapter
	iface   string
	mtu     int
	log     *logrus.Entry

	onConnect      ConnectHandler
	onDisconnect   DisconnectHandler
	onNotification NotificationHandler

	maxConnect int
	conns      connTable
}

// connTable is the live-connection side table keyed by MAC, kept separate
// from registry.Device so the registry package stays free of any dependency
// on the hci transport. Guarded by its own mutex: the auto-disconnect timer
// fires on a timer goroutine concurrently with command workers.
type connTable struct {
	mu sync.Mutex
	m  map[string]hci.Conn
}

func (t *connTable) get(mac string) (hci.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.m[mac]
	return c, ok
}

func (t *connTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

func (t *connTable) put(mac string, c hci.Conn) {
	t.mu.Lock()
	t.m[mac] = c
	t.mu.Unlock()
}

func (t *connTable) remove(mac string) {
	t.mu.Lock()
	delete(t.m, mac)
	t.mu.Unlock()
}

// New constructs a Manager. mtu is the configured notif_MTU; 0 selects
// DefaultMTU.
func New(adapter hci.Adapter, iface string, mtu int, log *logrus.Entry) *Manager {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Manager{
		adapter: adapter,
		iface:   iface,
		mtu:     mtu,
		log:     log,
		conns:   connTable{m: map[string]hci.Conn{}},
	}
}

// SetMaxConnect bounds the number of simultaneously connected devices
// (the max_connect configuration option); 0 means unbounded.
func (m *Manager) SetMaxConnect(n int) { m.maxConnect = n }

// OnConnect installs the handler invoked after a successful connect.
func (m *Manager) OnConnect(h ConnectHandler) { m.onConnect = h }

// OnDisconnect installs the handler invoked after every disconnect
// (explicit or auto-disconnect).
func (m *Manager) OnDisconnect(h DisconnectHandler) { m.onDisconnect = h }

// OnNotification installs the handler invoked for every inbound
// notification/indication once a listener is attached.
func (m *Manager) OnNotification(h NotificationHandler) { m.onNotification = h }

// conn returns the live hci.Conn for a device's MAC, if still connected.
func (m *Manager) conn(mac string) (hci.Conn, bool) {
	return m.conns.get(mac)
}

// Connect opens a GATT connection to dev, retrying the inner adapter call up
// to retry additional times on failure. On success of a reused device
// object, prior discovered state is reset.
func (m *Manager) Connect(ctx context.Context, dev *registry.Device, retry int) error {
	if m.maxConnect > 0 && m.conns.count() >= m.maxConnect {
		return bleerr.State("session.Connect", errTooManyConnections)
	}
	dev.SetConnState(registry.StateConnecting)

	var c hci.Conn
	var err error
	for attempt := 0; attempt <= retry; attempt++ {
		c, err = m.adapter.Connect(ctx, dev.MAC, dev.AddressType(), m.mtu)
		if err == nil {
			break
		}
		dev.Log.WithError(err).WithField("attempt", attempt).Warn("connect attempt failed")
	}
	if err != nil {
		dev.SetConnState(registry.StateIdle)
		return bleerr.Transport("session.Connect", err)
	}

	dev.ResetDiscovery()
	m.conns.put(dev.MAC, c)
	dev.SetConnectTimestamp(time.Now())
	dev.SetConnState(registry.StateConnected)

	if m.onConnect != nil {
		m.onConnect(dev)
	}
	return nil
}

// Discover enumerates the peer's GATT services (optionally restricted to
// one service UUID) and records them on dev. A discovery failure is fatal to
// the session: the caller must Disconnect.
func (m *Manager) Discover(ctx context.Context, dev *registry.Device, service *gatt.UUID) error {
	c, ok := m.conn(dev.MAC)
	if !ok {
		return bleerr.State("session.Discover", errNotConnected)
	}

	discovered, err := c.Discover(ctx)
	if err != nil {
		return bleerr.Transport("session.Discover", err)
	}

	services := make([]*gatt.Service, 0, len(discovered))
	for _, ds := range discovered {
		if service != nil && ds.UUID != service.String() {
			continue
		}
		svc := &gatt.Service{
			UUID:        gatt.MustParseUUID(ds.UUID),
			StartHandle: ds.StartHandle,
			EndHandle:   ds.EndHandle,
		}
		for _, dc := range ds.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &gatt.Characteristic{
				UUID:        gatt.MustParseUUID(dc.UUID),
				Properties:  gatt.CharProperty(dc.Properties),
				ValueHandle: dc.ValueHandle,
				CCCDHandle:  dc.CCCDHandle,
				HasCCCD:     dc.HasCCCD,
			})
		}
		services = append(services, svc)
	}

	dev.SetDiscovered(services)
	dev.SetConnState(registry.StateDiscovered)
	return nil
}

// Disconnect cancels the auto-disconnect timer, stops and joins the
// notification listener if one is running, closes the peripheral, and
// transitions dev to idle.
func (m *Manager) Disconnect(dev *registry.Device) error {
	dev.CancelDisconnectTimer()
	m.StopNotifications(dev)

	c, ok := m.conn(dev.MAC)
	if !ok {
		dev.SetConnState(registry.StateIdle)
		return nil
	}
	m.conns.remove(dev.MAC)

	dev.SetConnState(registry.StateTearingDown)
	err := c.Close()
	dev.SetConnState(registry.StateIdle)

	if m.onDisconnect != nil {
		m.onDisconnect(dev)
	}
	if err != nil {
		return bleerr.Transport("session.Disconnect", err)
	}
	return nil
}

// ArmDisconnectTimer schedules an automatic disconnect after timeout unless
// a transaction is in progress at expiry, in which case the expiry is
// ignored (the caller is expected to re-arm once its transaction ends).
// Re-arming cancels and replaces any previous timer.
func (m *Manager) ArmDisconnectTimer(dev *registry.Device, timeout time.Duration) {
	dev.ArmDisconnectTimer(timeout, func() {
		if dev.BeginTransaction(false, false) {
			// a transaction is in progress; ignore this expiry, the
			// operation that holds the lock is responsible for re-arming.
			return
		}
		if err := m.Disconnect(dev); err != nil {
			dev.Log.WithError(err).Warn("auto-disconnect failed")
		}
	})
}

// CancelDisconnectTimer stops any pending auto-disconnect timer for dev.
func (m *Manager) CancelDisconnectTimer(dev *registry.Device) {
	dev.CancelDisconnectTimer()
}

// StartNotifications launches the per-device notification listener worker,
// unless one is already running. It is idempotent.
func (m *Manager) StartNotifications(dev *registry.Device) {
	if stop, _ := dev.NotifyChannels(); stop != nil {
		return
	}
	c, ok := m.conn(dev.MAC)
	if !ok {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	dev.SetNotifyChannels(stop, done)

	go m.notificationLoop(dev, c, stop, done)
}

// StopNotifications signals the notification worker to stop and waits for
// it to join.
func (m *Manager) StopNotifications(dev *registry.Device) {
	stop, done := dev.NotifyChannels()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	dev.ClearNotifyChannels()
}

// notificationLoop polls the connection's notification channel with a
// 5-second wait quantum so the stop flag is checked promptly, matches each
// delivery's handle to a discovered characteristic, re-arms the
// auto-disconnect timer, and invokes the installed handler.
func (m *Manager) notificationLoop(dev *registry.Device, c hci.Conn, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(notificationPollQuantum)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case n, ok := <-c.Notifications():
			if !ok {
				return
			}
			m.dispatchNotification(dev, n)
		case <-ticker.C:
			// quantum boundary: loop back around to re-check stop.
		}
	}
}

func (m *Manager) dispatchNotification(dev *registry.Device, n hci.Notification) {
	ch := findByHandle(dev, n.ValueHandle)
	if ch == nil {
		dev.Log.WithField("handle", n.ValueHandle).Warn("notification on unknown handle")
		return
	}

	m.ArmDisconnectTimer(dev, DefaultNotifyDisconnectTimeout)

	if m.onNotification != nil {
		m.onNotification(dev, ch, n.Data, time.Now())
	}
}

func findByHandle(dev *registry.Device, handle uint16) *gatt.Characteristic {
	for _, svc := range dev.Services() {
		for _, ch := range svc.Characteristics {
			if ch.ValueHandle == handle {
				return ch
			}
		}
	}
	return nil
}

// Conn returns the live transport connection for dev, for GattOps to issue
// reads/writes against. The second return is false if dev is not currently
// connected.
func (m *Manager) Conn(dev *registry.Device) (hci.Conn, bool) {
	return m.conn(dev.MAC)
}

// BeginTransaction blocks (if wait) until dev is free, then if lock acquires
// it. Every successful lock=true acquire must be paired with EndTransaction.
func (m *Manager) BeginTransaction(dev *registry.Device, wait, lock bool) (wasBusy bool) {
	return dev.BeginTransaction(wait, lock)
}

// EndTransaction releases a transaction lock acquired via BeginTransaction.
func (m *Manager) EndTransaction(dev *registry.Device) {
	dev.EndTransaction()
}

type sessionError struct{ msg string }

func (e sessionError) Error() string { return e.msg }

var (
	errNotConnected       = sessionError{"device is not connected"}
	errTooManyConnections = sessionError{"max_connect limit reached"}
)
