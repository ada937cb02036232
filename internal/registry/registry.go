package registry

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry is the MAC-indexed store of known devices. On scan start it is
// cleared; during a scan, new advertisements insert or update devices in
// place.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
	log     *logrus.Entry

	detected int
	accepted int
}

// New constructs an empty Registry.
func New(log *logrus.Entry) *Registry {
	return &Registry{devices: map[string]*Device{}, log: log}
}

// Clear removes all known devices and resets the detected/accepted counters,
// invoked by the Scanner at the start of every scan.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = map[string]*Device{}
	r.detected = 0
	r.accepted = 0
}

// Get returns the device for mac, if known.
func (r *Registry) Get(mac string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[normalizeMAC(mac)]
	return d, ok
}

// GetOrCreate returns the existing device for mac, or creates and stores a
// new one.
func (r *Registry) GetOrCreate(mac string) *Device {
	mac = normalizeMAC(mac)
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[mac]; ok {
		return d
	}
	d := NewDevice(mac, r.log)
	r.devices[mac] = d
	return d
}

// IncrementDetected records that one more advertisement was observed,
// regardless of filter acceptance (the dev_detected counter).
func (r *Registry) IncrementDetected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detected++
}

// IncrementAccepted records that a device was admitted by the filter chain
// (the dev_selected counter).
func (r *Registry) IncrementAccepted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
}

// Counts returns the detected/accepted counters for the current scan
// window.
func (r *Registry) Counts() (detected, accepted int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detected, r.accepted
}

// All returns every currently known device.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Connected returns every device presently in StateConnected or
// StateDiscovered.
func (r *Registry) Connected() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Device
	for _, d := range r.devices {
		switch d.ConnState() {
		case StateConnected, StateDiscovered:
			out = append(out, d)
		}
	}
	return out
}

// normalizeMAC lowercases a MAC address, the canonical form used by the
// whitelist filter and the command topics.
func normalizeMAC(mac string) string {
	return strings.ToLower(mac)
}
