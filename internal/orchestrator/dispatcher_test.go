package orchestrator

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sterwen-technology/blegw/internal/registry"
	"github.com/sterwen-technology/blegw/internal/scanner"
)

func testDispatcher() (*Dispatcher, *registry.Device) {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	log := logrus.NewEntry(l)
	return NewDispatcher(log), registry.NewDevice("aa:bb:cc:dd:ee:ff", log)
}

func TestAdvertisementNoThrottle(t *testing.T) {
	d, dev := testDispatcher()

	count := 0
	d.OnAdvertisement(func(*registry.Device) { count++ })

	for i := 0; i < 5; i++ {
		d.Advertisement(dev)
	}
	if count != 5 {
		t.Errorf("callbacks = %d, want 5 (interval 0 delivers every advertisement)", count)
	}
}

func TestAdvertisementThrottled(t *testing.T) {
	d, dev := testDispatcher()
	d.SetReportInterval(time.Hour)

	count := 0
	d.OnAdvertisement(func(*registry.Device) { count++ })

	for i := 0; i < 5; i++ {
		d.Advertisement(dev)
	}
	if count != 1 {
		t.Errorf("callbacks = %d, want 1 per interval", count)
	}
}

func TestAdvertisementThrottlePerDevice(t *testing.T) {
	d, dev1 := testDispatcher()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	dev2 := registry.NewDevice("11:22:33:44:55:66", logrus.NewEntry(l))
	d.SetReportInterval(time.Hour)

	count := 0
	d.OnAdvertisement(func(*registry.Device) { count++ })

	d.Advertisement(dev1)
	d.Advertisement(dev2)
	if count != 2 {
		t.Errorf("callbacks = %d, want 2 (throttle is per device)", count)
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	d, dev := testDispatcher()

	calls := 0
	d.OnAdvertisement(func(*registry.Device) {
		calls++
		panic("user callback bug")
	})

	d.Advertisement(dev)
	d.Advertisement(dev)
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (panic must not break the dispatcher)", calls)
	}
}

func TestScanEndAndNotificationDelivery(t *testing.T) {
	d, _ := testDispatcher()

	var gotSummary *scanner.Summary
	d.OnScanEnd(func(s scanner.Summary) { gotSummary = &s })
	d.ScanEnd(scanner.Summary{Detected: 3, Accepted: 1})
	if gotSummary == nil || gotSummary.Detected != 3 {
		t.Errorf("summary = %+v", gotSummary)
	}

	var gotEv *NotificationEvent
	d.OnNotification(func(ev NotificationEvent) { gotEv = &ev })
	d.Notification(NotificationEvent{MAC: "aa:bb:cc:dd:ee:ff", Value: int64(1)})
	if gotEv == nil || gotEv.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("event = %+v", gotEv)
	}
}
