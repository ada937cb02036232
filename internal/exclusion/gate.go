// Package exclusion implements the scan/connect mutual-exclusion event: the
// controller interface is not safe for interleaved scanning and connecting,
// so a scan start waits for (or forces) every connected device to disconnect
// first, and a connect-bearing command waits for (or rejects past) an active
// scan.
//
// The gate uses the generation-channel idiom (a channel closed and replaced
// on every state change) instead of sync.Cond so that waiters can also
// select on a context's cancellation, which sync.Cond cannot do.
package exclusion

import (
	"context"
	"errors"
	"sync"
)

// ErrScanActive is returned by WaitScanFinished when queue is false and a
// scan is currently in progress.
var ErrScanActive = errors.New("exclusion: scan in progress")

// Gate tracks scan-active state and the live-connection count, and blocks
// or rejects the operations that must not interleave.
type Gate struct {
	mu         sync.Mutex
	scanActive bool
	connected  int
	changed    chan struct{}
}

// New constructs a Gate with no scan active and no connected devices.
func New() *Gate {
	return &Gate{changed: make(chan struct{})}
}

func (g *Gate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// DeviceConnected records one more live connection, clearing the idle
// state any pending scan start is waiting on.
func (g *Gate) DeviceConnected() {
	g.mu.Lock()
	g.connected++
	g.notifyLocked()
	g.mu.Unlock()
}

// DeviceDisconnected records one fewer live connection; if none remain, any
// waiting BeginScan call is woken.
func (g *Gate) DeviceDisconnected() {
	g.mu.Lock()
	if g.connected > 0 {
		g.connected--
	}
	g.notifyLocked()
	g.mu.Unlock()
}

// ConnectedCount reports the number of devices currently recorded as
// connected.
func (g *Gate) ConnectedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// BeginScan enforces the exclusion discipline ahead of any scan variant: if
// forceDisconnect and a device is connected, disconnectAll is invoked once;
// in either case BeginScan then blocks until every connected device has
// disconnected before marking the scan active. It returns ctx.Err() if ctx
// is cancelled first.
func (g *Gate) BeginScan(ctx context.Context, forceDisconnect bool, disconnectAll func()) error {
	g.mu.Lock()
	if g.connected > 0 && forceDisconnect {
		g.mu.Unlock()
		disconnectAll()
		g.mu.Lock()
	}
	for g.connected > 0 {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
	}
	g.scanActive = true
	g.notifyLocked()
	g.mu.Unlock()
	return nil
}

// EndScan clears scan-active state, waking any command blocked in
// WaitScanFinished.
func (g *Gate) EndScan() {
	g.mu.Lock()
	g.scanActive = false
	g.notifyLocked()
	g.mu.Unlock()
}

// ScanActive reports whether a scan is currently in progress.
func (g *Gate) ScanActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scanActive
}

// WaitScanFinished blocks a connect-bearing command while a scan is active;
// with queue false the command is rejected immediately instead.
func (g *Gate) WaitScanFinished(ctx context.Context, queue bool) error {
	g.mu.Lock()
	if g.scanActive && !queue {
		g.mu.Unlock()
		return ErrScanActive
	}
	for g.scanActive {
		ch := g.changed
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
	}
	g.mu.Unlock()
	return nil
}
