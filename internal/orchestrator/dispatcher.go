package orchestrator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sterwen-technology/blegw/internal/registry"
	"github.com/sterwen-technology/blegw/internal/scanner"
)

// NotificationEvent is one decoded characteristic notification, ready for
// publication.
type NotificationEvent struct {
	MAC            string
	Characteristic string
	WireType       int
	Value          interface{}
	Timestamp      time.Time
}

// Dispatcher invokes the installed callback set with per-device report
// throttling and panic isolation, so a crashing callback never takes down a
// scan or notification worker.
type Dispatcher struct {
	log *logrus.Entry

	mu       sync.Mutex
	interval time.Duration

	onAdvertisement func(dev *registry.Device)
	onScanEnd       func(scanner.Summary)
	onNotification  func(ev NotificationEvent)
}

// NewDispatcher constructs a Dispatcher with no throttling (every
// advertisement is delivered).
func NewDispatcher(log *logrus.Entry) *Dispatcher {
	return &Dispatcher{log: log}
}

// OnAdvertisement installs the per-device advertisement callback.
func (d *Dispatcher) OnAdvertisement(fn func(dev *registry.Device)) { d.onAdvertisement = fn }

// OnScanEnd installs the scan-completion callback.
func (d *Dispatcher) OnScanEnd(fn func(scanner.Summary)) { d.onScanEnd = fn }

// OnNotification installs the notification callback.
func (d *Dispatcher) OnNotification(fn func(ev NotificationEvent)) { d.onNotification = fn }

// SetReportInterval installs the minimum interval between advertisement
// callbacks for any single device. Zero delivers every advertisement.
func (d *Dispatcher) SetReportInterval(t time.Duration) {
	d.mu.Lock()
	d.interval = t
	d.mu.Unlock()
}

// Advertisement delivers an advertisement callback for dev unless one was
// already delivered within the report interval.
func (d *Dispatcher) Advertisement(dev *registry.Device) {
	if d.onAdvertisement == nil {
		return
	}

	d.mu.Lock()
	interval := d.interval
	d.mu.Unlock()

	now := time.Now()
	if interval > 0 && now.Sub(dev.LastReportTime()) < interval {
		return
	}
	dev.SetLastReportTime(now)

	d.safe("advertisement", func() { d.onAdvertisement(dev) })
}

// ScanEnd delivers the scan-completion callback.
func (d *Dispatcher) ScanEnd(s scanner.Summary) {
	if d.onScanEnd == nil {
		return
	}
	d.safe("scan_end", func() { d.onScanEnd(s) })
}

// Notification delivers a notification callback.
func (d *Dispatcher) Notification(ev NotificationEvent) {
	if d.onNotification == nil {
		return
	}
	d.safe("notification", func() { d.onNotification(ev) })
}

// safe invokes fn, converting a panic into a logged error so callback crashes
// never propagate into the scan or notification workers.
func (d *Dispatcher) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("callback", name).Errorf("callback panicked: %v", r)
		}
	}()
	fn()
}
