// Package hcitest provides an in-memory Adapter implementation for exercising
// the scanner, session, and orchestrator layers without a radio.
package hcitest

import (
	"context"
	"errors"
	"sync"

	"github.com/sterwen-technology/blegw/internal/hci"
)

// FakeConn is a scripted hci.Conn. Values are read from the maps keyed by
// value handle; writes are recorded.
type FakeConn struct {
	mu sync.Mutex

	Services   []hci.DiscoveredService
	ReadValues map[uint16][]byte
	ReadErr    error
	WriteErr   error
	DescErr    error

	Writes      []RecordedWrite
	DescWrites  []RecordedWrite
	notifyCh    chan hci.Notification
	closed      bool
	CloseCalled int
}

// RecordedWrite is one characteristic or descriptor write observed by the
// fake.
type RecordedWrite struct {
	Handle uint16
	Data   []byte
}

// NewFakeConn constructs a FakeConn with an open notification channel.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		ReadValues: map[uint16][]byte{},
		notifyCh:   make(chan hci.Notification, 16),
	}
}

func (c *FakeConn) Discover(ctx context.Context) ([]hci.DiscoveredService, error) {
	return c.Services, nil
}

func (c *FakeConn) ReadCharacteristic(ctx context.Context, valueHandle uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	v, ok := c.ReadValues[valueHandle]
	if !ok {
		return nil, errors.New("hcitest: no value for handle")
	}
	return v, nil
}

func (c *FakeConn) WriteCharacteristic(ctx context.Context, valueHandle uint16, b []byte, withResponse bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.Writes = append(c.Writes, RecordedWrite{Handle: valueHandle, Data: append([]byte(nil), b...)})
	return nil
}

func (c *FakeConn) WriteDescriptor(ctx context.Context, handle uint16, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DescErr != nil {
		return c.DescErr
	}
	c.DescWrites = append(c.DescWrites, RecordedWrite{Handle: handle, Data: append([]byte(nil), b...)})
	return nil
}

func (c *FakeConn) Notifications() <-chan hci.Notification { return c.notifyCh }

// Notify injects a notification as if it had arrived from the peer.
func (c *FakeConn) Notify(handle uint16, data []byte) {
	c.notifyCh <- hci.Notification{ValueHandle: handle, Data: data}
}

func (c *FakeConn) MTU() int  { return 23 }
func (c *FakeConn) RSSI() int { return -127 }

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalled++
	if !c.closed {
		c.closed = true
		close(c.notifyCh)
	}
	return nil
}

// FakeAdapter is a scripted hci.Adapter. Reports queued with QueueReport are
// delivered to the scan handler as soon as a scan starts; Connect hands out
// the conn registered for the MAC.
type FakeAdapter struct {
	mu sync.Mutex

	ConnectErr  error
	ConnectErrs int // fail this many Connect calls before succeeding
	ScanErr     error

	conns    map[string]*FakeConn
	reports  []hci.Report
	handler  hci.ReportHandler
	scanning bool

	ConnectCalls int
	ScanCalls    int
}

// NewFakeAdapter constructs an empty FakeAdapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{conns: map[string]*FakeConn{}}
}

// SetConn registers the conn Connect will return for mac.
func (a *FakeAdapter) SetConn(mac string, c *FakeConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[mac] = c
}

// QueueReport schedules a report for delivery at the next StartScan (or
// delivers it immediately if a scan is active).
func (a *FakeAdapter) QueueReport(r hci.Report) {
	a.mu.Lock()
	h := a.handler
	if a.scanning && h != nil {
		a.mu.Unlock()
		h(r)
		return
	}
	a.reports = append(a.reports, r)
	a.mu.Unlock()
}

func (a *FakeAdapter) Open(ctx context.Context, iface string) error { return nil }
func (a *FakeAdapter) Close() error                                 { return nil }

func (a *FakeAdapter) StartScan(ctx context.Context, handler hci.ReportHandler) error {
	a.mu.Lock()
	if a.ScanErr != nil {
		err := a.ScanErr
		a.mu.Unlock()
		return err
	}
	a.ScanCalls++
	a.scanning = true
	a.handler = handler
	pending := a.reports
	a.reports = nil
	a.mu.Unlock()

	for _, r := range pending {
		handler(r)
	}
	return nil
}

func (a *FakeAdapter) StopScan() error {
	a.mu.Lock()
	a.scanning = false
	a.handler = nil
	a.mu.Unlock()
	return nil
}

func (a *FakeAdapter) Connect(ctx context.Context, mac string, addressType byte, mtu int) (hci.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ConnectCalls++
	if a.ConnectErrs > 0 {
		a.ConnectErrs--
		return nil, errors.New("hcitest: scripted connect failure")
	}
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	c, ok := a.conns[mac]
	if !ok {
		return nil, errors.New("hcitest: no conn for " + mac)
	}
	return c, nil
}
