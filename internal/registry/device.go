// Package registry is the MAC-indexed store of known devices, and the
// Device type itself, which carries the per-device concurrency primitives (a
// transaction lock paired with a completion event) and the discovered-GATT
// state populated after a connect+discover.
package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sterwen-technology/blegw/internal/gatt"
)

// ConnState is a device's connection lifecycle state.
type ConnState int

const (
	StateAbsent ConnState = iota
	StateIdle
	StateConnecting
	StateConnected
	StateDiscovered
	StateTearingDown
)

func (s ConnState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscovered:
		return "discovered"
	case StateTearingDown:
		return "tearing-down"
	default:
		return "unknown"
	}
}

// Device is the gateway's record of one BLE peripheral: its latest
// advertisement state plus, once connected, its discovered GATT structure.
//
// The zero value is not usable; construct with NewDevice. All mutable
// fields are guarded by mu except the transaction lock/event pair, which is
// intentionally separate so that a caller can observe "is a transaction in
// progress" without taking mu.
type Device struct {
	MAC string // lowercase colon-separated

	mu               sync.RWMutex
	addressType      byte // 0 = public, 1 = random
	name             string
	rssi             int
	rssiSet          bool
	connectable      bool
	flags            byte
	kind             gatt.AdKind
	serviceData      map[string]gatt.ServiceDatum
	mfgID            uint16
	hasMfg           bool
	mfgData          []byte
	eddystone        *gatt.EddystoneInfo
	ibeacon          *gatt.IBeaconInfo
	advTimestamp     time.Time
	lastReportTime   time.Time
	detectedAt       time.Time
	connState        ConnState
	discovered       bool
	services         []*gatt.Service
	channels         map[string]*gatt.Characteristic // keyed by UUID string
	connectTimestamp time.Time

	// transaction lock/event pair; see BeginTransaction.
	txMu   sync.Mutex
	txCond *sync.Cond
	txBusy bool

	disconnectTimer *time.Timer
	notifyStop      chan struct{}
	notifyDone      chan struct{}

	Log *logrus.Entry
}

// NewDevice constructs a Device in StateAbsent, with an initially-idle
// transaction event.
func NewDevice(mac string, log *logrus.Entry) *Device {
	d := &Device{
		MAC:         mac,
		connState:   StateAbsent,
		serviceData: map[string]gatt.ServiceDatum{},
		channels:    map[string]*gatt.Characteristic{},
		Log:         log.WithField("mac", mac),
	}
	d.txCond = sync.NewCond(&d.txMu)
	return d
}

// FromScanData updates the device's advertisement state from a parsed
// advertisement. RSSI is merged as a running maximum within the current scan
// window; connectable is overwritten from the latest frame, while kind is
// updated only when the frame is recognized as a beacon.
func (d *Device) FromScanData(a *gatt.Advertisement, rssi int, connectable bool, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.rssiSet || rssi > d.rssi {
		d.rssi = rssi
		d.rssiSet = true
	}
	d.connectable = connectable
	if a.LocalName != "" {
		d.name = a.LocalName
	}
	d.flags = a.Flags
	if a.Kind != gatt.KindStandard {
		d.kind = a.Kind
	}
	for _, sd := range a.ServiceData {
		d.serviceData[sd.UUID.String()] = sd
	}
	if a.HasManufacturer {
		d.hasMfg = true
		d.mfgID = a.ManufacturerID
		d.mfgData = append([]byte(nil), a.ManufacturerData...)
	}
	if a.Eddystone != nil {
		d.eddystone = a.Eddystone
	}
	if a.IBeacon != nil {
		d.ibeacon = a.IBeacon
	}
	d.advTimestamp = now
	d.detectedAt = now
}

// ResetScanWindow clears the running-max RSSI, invoked by the Scanner at the
// start of each new scan.
func (d *Device) ResetScanWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssiSet = false
	d.rssi = 0
}

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *Device) Connectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

func (d *Device) Kind() gatt.AdKind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.kind
}

func (d *Device) Flags() byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flags
}

func (d *Device) ServiceData() map[string]gatt.ServiceDatum {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]gatt.ServiceDatum, len(d.serviceData))
	for k, v := range d.serviceData {
		out[k] = v
	}
	return out
}

func (d *Device) Manufacturer() (id uint16, data []byte, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mfgID, append([]byte(nil), d.mfgData...), d.hasMfg
}

func (d *Device) Eddystone() *gatt.EddystoneInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.eddystone
}

func (d *Device) IBeacon() *gatt.IBeaconInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ibeacon
}

func (d *Device) LastReportTime() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastReportTime
}

func (d *Device) SetLastReportTime(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastReportTime = t
}

func (d *Device) AdvTimestamp() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.advTimestamp
}

// ConnState reports the device's current connection lifecycle state.
func (d *Device) ConnState() ConnState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connState
}

// SetConnState transitions the device's connection lifecycle state.
func (d *Device) SetConnState(s ConnState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connState = s
}

// Discovered reports whether the device's GATT structure has been
// discovered since the last connect.
func (d *Device) Discovered() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.discovered
}

func (d *Device) Services() []*gatt.Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*gatt.Service(nil), d.services...)
}

func (d *Device) Channel(uuid gatt.UUID) (*gatt.Characteristic, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.channels[uuid.String()]
	return c, ok
}

// SetDiscovered records the outcome of a GATT discovery pass: the service
// list and a flattened characteristic-by-UUID channel index.
func (d *Device) SetDiscovered(services []*gatt.Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = services
	d.channels = make(map[string]*gatt.Characteristic)
	for _, svc := range services {
		for _, ch := range svc.Characteristics {
			d.channels[ch.UUID.String()] = ch
		}
	}
	d.discovered = true
}

// ResetDiscovery clears discovered GATT state, invoked whenever a
// previously-used Device object is reconnected.
func (d *Device) ResetDiscovery() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = nil
	d.channels = map[string]*gatt.Characteristic{}
	d.discovered = false
}

// SetConnectTimestamp records when a connect completed.
func (d *Device) SetConnectTimestamp(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectTimestamp = t
}

// --- per-device transaction lock/event pair ---

// BeginTransaction reports and optionally acquires the device's transaction
// slot: if wait is true, it blocks until any in-progress transaction
// completes; if lock is true, it then marks the device busy (clearing the
// event) and the caller must call EndTransaction when done. It returns true
// if a transaction was in progress and wait is false; after waiting it
// returns false.
func (d *Device) BeginTransaction(wait, lock bool) (wasBusy bool) {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	wasBusy = d.txBusy
	if d.txBusy && wait {
		for d.txBusy {
			d.txCond.Wait()
		}
		wasBusy = false
	}
	if lock {
		d.txBusy = true
	}
	return wasBusy
}

// EndTransaction releases a transaction acquired via BeginTransaction(_,
// true), waking any waiters.
func (d *Device) EndTransaction() {
	d.txMu.Lock()
	d.txBusy = false
	d.txCond.Broadcast()
	d.txMu.Unlock()
}

// ArmDisconnectTimer schedules fn to run after timeout unless a new call to
// ArmDisconnectTimer or CancelDisconnectTimer preempts it. Re-arming is
// idempotent: the previous timer is always stopped first.
func (d *Device) ArmDisconnectTimer(timeout time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnectTimer != nil {
		d.disconnectTimer.Stop()
	}
	d.disconnectTimer = time.AfterFunc(timeout, fn)
}

// CancelDisconnectTimer stops any pending auto-disconnect timer.
func (d *Device) CancelDisconnectTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnectTimer != nil {
		d.disconnectTimer.Stop()
		d.disconnectTimer = nil
	}
}

// SetNotifyChannels records the stop/done channels of a running notification
// listener worker, so a later Disconnect can signal and join it.
func (d *Device) SetNotifyChannels(stop, done chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyStop = stop
	d.notifyDone = done
}

// NotifyChannels returns the current notification listener's stop/done
// channels, or nil, nil if none is running.
func (d *Device) NotifyChannels() (stop, done chan struct{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.notifyStop, d.notifyDone
}

// ClearNotifyChannels forgets the notification listener's channels once it
// has been joined.
func (d *Device) ClearNotifyChannels() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyStop = nil
	d.notifyDone = nil
}

// SetAddressType records whether the device uses a public or random
// Bluetooth address, as reported at discovery time.
func (d *Device) SetAddressType(t byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addressType = t
}

// AddressType returns 0 (public) or 1 (random).
func (d *Device) AddressType() byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addressType
}
