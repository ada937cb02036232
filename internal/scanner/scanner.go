// Package scanner drives the adapter's scan loop in its sync, async,
// indefinite, and periodic variants, each invoking the scan/connect
// exclusion discipline before starting and the registry/filter-chain
// admission rules while a scan is live.
package scanner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sterwen-technology/blegw/internal/exclusion"
	"github.com/sterwen-technology/blegw/internal/filter"
	"github.com/sterwen-technology/blegw/internal/gatt"
	"github.com/sterwen-technology/blegw/internal/hci"
	"github.com/sterwen-technology/blegw/internal/registry"
)

// maxConsecutiveErrors bounds how many back-to-back adapter failures a
// periodic scan tolerates before giving up.
const maxConsecutiveErrors = 3

// Summary is the scan-end report: detected count, accepted count, a
// timestamp, and the error that ended the scan (nil on success).
type Summary struct {
	Detected  int
	Accepted  int
	Timestamp time.Time
	Err       error
}

// DiscoveryHandler is invoked once per admitted advertisement update.
type DiscoveryHandler func(dev *registry.Device, isNewDevice, isNewData bool)

// EndHandler is invoked once a scan variant completes, with its summary.
type EndHandler func(Summary)

// pendingState is the RSSI-running-max/name/mfg state Scanner tracks for a
// MAC that has been observed but not yet admitted by the filter chain, so a
// later frame with better RSSI can admit it retroactively.
type pendingState struct {
	rssi        int
	rssiSet     bool
	connectable bool
	name        string
	mfgID       uint16
	hasMfg      bool
}

// Scanner drives the adapter's scan loop and feeds admitted devices into a
// DeviceRegistry.
type Scanner struct {
	adapter hci.Adapter
	devices *registry.Registry
	gate    *exclusion.Gate
	log     *logrus.Entry

	onDiscovery DiscoveryHandler
	onEnd       EndHandler

	chainMu sync.RWMutex
	chain   *filter.Chain

	mu       sync.Mutex
	pending  map[string]*pendingState
	stopCh   chan struct{}
	running  bool
}

// New constructs a Scanner. An empty filter chain (accepts everything) is
// installed until SetFilterChain is called.
func New(adapter hci.Adapter, devices *registry.Registry, gate *exclusion.Gate, log *logrus.Entry) *Scanner {
	return &Scanner{
		adapter: adapter,
		devices: devices,
		gate:    gate,
		log:     log,
		chain:   filter.NewChain(),
		pending: map[string]*pendingState{},
	}
}

// OnDiscovery installs the handler invoked per admitted advertisement.
func (s *Scanner) OnDiscovery(h DiscoveryHandler) { s.onDiscovery = h }

// OnEnd installs the handler invoked when a scan variant completes.
func (s *Scanner) OnEnd(h EndHandler) { s.onEnd = h }

// SetFilterChain atomically replaces the active filter chain. It never
// affects an already-in-flight scan's accepted set: scans snapshot the
// chain pointer once at scan start.
func (s *Scanner) SetFilterChain(chain *filter.Chain) {
	s.chainMu.Lock()
	s.chain = chain
	s.chainMu.Unlock()
}

func (s *Scanner) currentChain() *filter.Chain {
	s.chainMu.RLock()
	defer s.chainMu.RUnlock()
	return s.chain
}

// ScanSync blocks the caller until timeout elapses (or ctx is cancelled),
// then returns the summary.
func (s *Scanner) ScanSync(ctx context.Context, timeout time.Duration, forceDisconnect, inhibit bool, disconnectAll func()) Summary {
	return s.runOnce(ctx, timeout, forceDisconnect, inhibit, disconnectAll)
}

// ScanAsync returns once the scan has actually started; the scan itself
// runs on a dedicated goroutine. Callers await completion on the returned
// channel.
func (s *Scanner) ScanAsync(ctx context.Context, timeout time.Duration, forceDisconnect bool, disconnectAll func()) (<-chan Summary, error) {
	started := make(chan error, 1)
	done := make(chan Summary, 1)

	go func() {
		summary, err := s.beginAndRun(ctx, timeout, forceDisconnect, false, disconnectAll, started)
		if err != nil {
			return
		}
		done <- summary
	}()

	if err := <-started; err != nil {
		return nil, err
	}
	return done, nil
}

// ScanIndefinite starts an event-driven scan with no timeout, stopped only
// by Stop.
func (s *Scanner) ScanIndefinite(ctx context.Context, forceDisconnect bool, disconnectAll func()) (<-chan Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, errAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	started := make(chan error, 1)
	done := make(chan Summary, 1)
	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()

		scanCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-scanCtx.Done():
			}
		}()

		summary, err := s.beginAndRun(scanCtx, 0, forceDisconnect, false, disconnectAll, started)
		if err != nil {
			return
		}
		done <- summary
	}()

	if err := <-started; err != nil {
		return nil, err
	}
	return done, nil
}

// ScanPeriodic alternates a timed scan with an idle "breath" of
// max(0, period-timeout), stopping only on explicit Stop or on
// maxConsecutiveErrors consecutive adapter failures.
func (s *Scanner) ScanPeriodic(ctx context.Context, timeout, period time.Duration, forceDisconnect bool, disconnectAll func()) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()

		consecutiveErrors := 0
		breath := period - timeout
		if breath < 0 {
			breath = 0
		}

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}

			summary := s.runOnce(ctx, timeout, forceDisconnect, false, disconnectAll)
			if summary.Err != nil {
				consecutiveErrors++
				s.log.WithError(summary.Err).WithField("consecutive_errors", consecutiveErrors).Warn("periodic scan iteration failed")
				if consecutiveErrors >= maxConsecutiveErrors {
					s.log.Error("periodic scan: giving up after repeated adapter errors")
					return
				}
			} else {
				consecutiveErrors = 0
			}

			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(breath):
			}
		}
	}()
	return nil
}

// Stop signals an indefinite or periodic scan to end at the next quantum
// boundary.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
}

// beginAndRun is runOnce split so the caller can be unblocked (via started)
// as soon as the exclusion gate and adapter.StartScan succeed, before the
// scan window itself elapses.
func (s *Scanner) beginAndRun(ctx context.Context, timeout time.Duration, forceDisconnect, inhibit bool, disconnectAll func(), started chan<- error) (Summary, error) {
	if err := s.gate.BeginScan(ctx, forceDisconnect, disconnectAll); err != nil {
		started <- err
		return Summary{}, err
	}

	s.devices.Clear()
	s.mu.Lock()
	s.pending = map[string]*pendingState{}
	s.mu.Unlock()

	chain := s.currentChain()

	var scanCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if err := s.adapter.StartScan(scanCtx, func(r hci.Report) { s.handleReport(r, chain, inhibit) }); err != nil {
		s.gate.EndScan()
		started <- err
		return Summary{}, err
	}
	started <- nil

	<-scanCtx.Done()
	stopErr := s.adapter.StopScan()
	s.gate.EndScan()

	detected, accepted := s.devices.Counts()
	summary := Summary{Detected: detected, Accepted: accepted, Timestamp: time.Now(), Err: stopErr}
	if s.onEnd != nil {
		s.onEnd(summary)
	}
	return summary, nil
}

// runOnce is the synchronous path used by ScanSync and each ScanPeriodic
// iteration: it waits for the scan window to fully elapse before returning.
func (s *Scanner) runOnce(ctx context.Context, timeout time.Duration, forceDisconnect, inhibit bool, disconnectAll func()) Summary {
	started := make(chan error, 1)
	summary, err := s.beginAndRun(ctx, timeout, forceDisconnect, inhibit, disconnectAll, started)
	if err != nil {
		return Summary{Timestamp: time.Now(), Err: err}
	}
	return summary
}

func (s *Scanner) handleReport(r hci.Report, chain *filter.Chain, inhibit bool) {
	s.devices.IncrementDetected()

	ad, err := gatt.ParseAdvertisement(r.Data)
	if err != nil {
		s.log.WithError(err).WithField("mac", r.MAC).Debug("dropping malformed advertisement")
		return
	}

	mac := strings.ToLower(r.MAC)
	now := time.Now()

	if dev, ok := s.devices.Get(mac); ok {
		dev.FromScanData(ad, int(r.RSSI), r.Connectable, now)
		if !inhibit && s.onDiscovery != nil {
			s.onDiscovery(dev, false, true)
		}
		return
	}

	s.mu.Lock()
	p, exists := s.pending[mac]
	if !exists {
		p = &pendingState{}
		s.pending[mac] = p
	}
	if !p.rssiSet || int(r.RSSI) > p.rssi {
		p.rssi = int(r.RSSI)
		p.rssiSet = true
	}
	p.connectable = r.Connectable
	if ad.LocalName != "" {
		p.name = ad.LocalName
	}
	if ad.HasManufacturer {
		p.hasMfg = true
		p.mfgID = ad.ManufacturerID
	}
	cand := filter.Candidate{MAC: mac, RSSI: p.rssi, Connectable: p.connectable, Name: p.name, ManufacturerID: p.mfgID, HasMfg: p.hasMfg}
	s.mu.Unlock()

	// cand carries the running-max RSSI, so a device rejected purely for
	// signal strength is re-evaluated on every new frame and admitted
	// retroactively once it clears the threshold. A rejection by any
	// non-RSSI predicate drops its pending state, so the device's next frame
	// is evaluated afresh.
	admit := inhibit || chain.Accept(cand)
	if !admit {
		if !chain.HasRSSI() || !chain.RecheckRSSI(cand) {
			s.mu.Lock()
			delete(s.pending, mac)
			s.mu.Unlock()
		}
		return
	}

	dev := s.devices.GetOrCreate(mac)
	dev.SetAddressType(r.AddressType)
	dev.FromScanData(ad, int(r.RSSI), r.Connectable, now)
	s.devices.IncrementAccepted()

	s.mu.Lock()
	delete(s.pending, mac)
	s.mu.Unlock()

	if !inhibit && s.onDiscovery != nil {
		s.onDiscovery(dev, true, true)
	}
}

type scanError struct{ msg string }

func (e scanError) Error() string { return e.msg }

var errAlreadyRunning = scanError{"scanner: a scan is already running"}
