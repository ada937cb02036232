package hci

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// HCI packet types, as framed on an AF_BLUETOOTH/BTPROTO_HCI socket.
const (
	packetCommand = 0x01
	packetACL     = 0x02
	packetEvent   = 0x04
)

// HCI event codes this adapter cares about.
const (
	eventDisconnectionComplete = 0x05
	eventCommandComplete       = 0x0e
	eventCommandStatus         = 0x0f
	eventLEMeta                = 0x3e
)

// LE Meta sub-events.
const (
	subEventConnectionComplete = 0x01
	subEventAdvertisingReport  = 0x02
)

// LE controller command opcodes (OGF 0x08), packed as (OGF<<10)|OCF.
const (
	opLESetScanParameters      = 0x200b
	opLESetScanEnable          = 0x200c
	opLECreateConnection       = 0x200d
	opLECreateConnectionCancel = 0x200e
)

// LinuxAdapter drives a Linux BLE controller over a raw HCI socket for
// scanning and connection establishment, and over per-connection L2CAP
// sockets for ATT traffic once connected. A mainLoop goroutine dispatches
// received packets by type; a mutex-guarded device cache merges
// scan-response reports into their advertisements.
type LinuxAdapter struct {
	log *logrus.Entry

	mu       sync.Mutex
	fd       int
	devID    int
	scanning bool
	handler  ReportHandler

	plistMu sync.Mutex
	plist   map[string]*platData // by MAC, merges scan-response reports into their advertisement.

	pendingMu sync.Mutex
	pending   map[string]chan connResult // MAC -> waiter for LE Connection Complete.

	quit chan struct{}
}

type platData struct {
	addressType byte
	connectable bool
	lastReport  []byte
}

type connResult struct {
	handle uint16
	err    error
}

// NewLinuxAdapter constructs an unopened adapter.
func NewLinuxAdapter(log *logrus.Entry) *LinuxAdapter {
	return &LinuxAdapter{
		log:     log,
		plist:   map[string]*platData{},
		pending: map[string]chan connResult{},
	}
}

// Open binds a raw HCI socket to the named controller interface (e.g.
// "hci0") and starts the event-dispatch loop.
func (a *LinuxAdapter) Open(ctx context.Context, iface string) error {
	devID, err := parseHCIDeviceID(iface)
	if err != nil {
		return fmt.Errorf("hci: %w", err)
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return fmt.Errorf("hci: socket: %w", err)
	}

	sa := &unix.SockaddrHCI{Dev: uint16(devID), Channel: unix.HCI_CHANNEL_RAW}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("hci: bind %s: %w", iface, err)
	}

	a.mu.Lock()
	a.fd = fd
	a.devID = devID
	a.quit = make(chan struct{})
	a.mu.Unlock()

	go a.mainLoop()
	a.log.WithField("interface", iface).Info("hci adapter opened")
	return nil
}

// Close halts the event loop and closes the underlying socket.
func (a *LinuxAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quit != nil {
		close(a.quit)
		a.quit = nil
	}
	if a.fd != 0 {
		err := unix.Close(a.fd)
		a.fd = 0
		return err
	}
	return nil
}

// StartScan issues LE Set Scan Parameters (active scan) followed by LE Set
// Scan Enable, then delivers every subsequent advertising report to
// handler until StopScan is called.
func (a *LinuxAdapter) StartScan(ctx context.Context, handler ReportHandler) error {
	a.mu.Lock()
	a.handler = handler
	a.scanning = true
	fd := a.fd
	a.mu.Unlock()

	// Active scan, 10ms interval/window (0x0010), public own-address,
	// accept-all filter policy.
	params := []byte{
		0x01,       // scan type: active
		0x10, 0x00, // interval
		0x10, 0x00, // window
		0x00, // own address type: public
		0x00, // filter policy: accept all
	}
	if err := sendCommand(fd, opLESetScanParameters, params); err != nil {
		return fmt.Errorf("hci: set scan parameters: %w", err)
	}

	enable := []byte{0x01, 0x01} // enable=1, filter duplicates=1
	if err := sendCommand(fd, opLESetScanEnable, enable); err != nil {
		return fmt.Errorf("hci: set scan enable: %w", err)
	}
	return nil
}

// StopScan issues LE Set Scan Enable with enable=0.
func (a *LinuxAdapter) StopScan() error {
	a.mu.Lock()
	a.scanning = false
	fd := a.fd
	a.mu.Unlock()

	return sendCommand(fd, opLESetScanEnable, []byte{0x00, 0x00})
}

// Connect issues LE Create Connection and blocks until the LE Connection
// Complete event arrives for mac, the context is cancelled, or the command
// fails outright.
func (a *LinuxAdapter) Connect(ctx context.Context, mac string, addressType byte, mtu int) (Conn, error) {
	addr, err := parseMAC(mac)
	if err != nil {
		return nil, err
	}

	wait := make(chan connResult, 1)
	a.pendingMu.Lock()
	a.pending[mac] = wait
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, mac)
		a.pendingMu.Unlock()
	}()

	a.mu.Lock()
	fd := a.fd
	a.mu.Unlock()

	cmd := buildCreateConnectionCmd(addr, addressType)
	if err := sendCommand(fd, opLECreateConnection, cmd); err != nil {
		return nil, fmt.Errorf("hci: create connection: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	select {
	case res := <-wait:
		if res.err != nil {
			return nil, res.err
		}
		return newL2capConn(a.log, mac, addr, addressType, mtu)
	case <-ctx.Done():
		_ = sendCommand(fd, opLECreateConnectionCancel, nil)
		return nil, ctx.Err()
	}
}

// mainLoop reads raw HCI packets and dispatches them by type.
func (a *LinuxAdapter) mainLoop() {
	buf := make([]byte, 4096)
	for {
		a.mu.Lock()
		fd := a.fd
		quit := a.quit
		a.mu.Unlock()
		if fd == 0 {
			return
		}

		n, err := unix.Read(fd, buf)
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			a.log.WithError(err).Warn("hci read failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if n < 2 {
			continue
		}
		a.handlePacket(append([]byte(nil), buf[:n]...))
	}
}

func (a *LinuxAdapter) handlePacket(b []byte) {
	switch b[0] {
	case packetEvent:
		a.handleEvent(b[1:])
	default:
		// ACL/SCO/vendor packets are not consumed by this adapter directly;
		// ATT traffic arrives on the per-connection L2CAP socket instead.
	}
}

func (a *LinuxAdapter) handleEvent(b []byte) {
	if len(b) < 2 {
		return
	}
	code, plen := b[0], b[1]
	if len(b) < int(2+plen) {
		return
	}
	payload := b[2 : 2+plen]

	switch code {
	case eventLEMeta:
		a.handleLEMeta(payload)
	case eventDisconnectionComplete:
		a.handleDisconnectionComplete(payload)
	case eventCommandComplete, eventCommandStatus:
		// acknowledged inline by the blocking Connect/StartScan callers in a
		// fuller implementation; this adapter treats the send as fire-and-forget
		// and relies on the LE Meta events for state transitions.
	}
}

func (a *LinuxAdapter) handleLEMeta(b []byte) {
	if len(b) < 1 {
		return
	}
	switch b[0] {
	case subEventAdvertisingReport:
		a.handleAdvertisingReport(b[1:])
	case subEventConnectionComplete:
		a.handleConnectionComplete(b[1:])
	}
}

// handleAdvertisingReport parses one or more LE Advertising Report entries
// and invokes the registered handler, distinguishing scan-response merges
// from fresh reports.
func (a *LinuxAdapter) handleAdvertisingReport(b []byte) {
	if len(b) < 1 {
		return
	}
	count := int(b[0])
	b = b[1:]
	for i := 0; i < count && len(b) >= 9; i++ {
		evtType := b[0]
		addrType := b[1]
		var addr [6]byte
		copy(addr[:], b[2:8])
		dataLen := int(b[8])
		if len(b) < 9+dataLen+1 {
			return
		}
		data := b[9 : 9+dataLen]
		rssi := int8(b[9+dataLen])
		b = b[9+dataLen+1:]

		mac := formatMAC(addr)
		scanRsp := evtType == 0x04
		connectable := evtType == 0x00 || evtType == 0x01 || evtType == 0x02

		a.plistMu.Lock()
		pd, known := a.plist[mac]
		if !known {
			pd = &platData{}
			a.plist[mac] = pd
		}
		pd.addressType = addrType
		pd.connectable = connectable
		if scanRsp && known {
			pd.lastReport = append(append([]byte(nil), pd.lastReport...), data...)
		} else {
			pd.lastReport = append([]byte(nil), data...)
		}
		merged := append([]byte(nil), pd.lastReport...)
		a.plistMu.Unlock()

		a.mu.Lock()
		handler := a.handler
		a.mu.Unlock()
		if handler != nil {
			handler(Report{
				MAC:         mac,
				AddressType: addrType,
				RSSI:        rssi,
				Connectable: connectable,
				ScanRsp:     scanRsp,
				Data:        merged,
			})
		}
	}
}

func (a *LinuxAdapter) handleConnectionComplete(b []byte) {
	// status(1) handle(2) role(1) peer address type(1) peer address(6) ...
	if len(b) < 11 {
		return
	}
	status := b[0]
	handle := binary.LittleEndian.Uint16(b[1:3])
	var addr [6]byte
	copy(addr[:], b[5:11])
	mac := formatMAC(addr)

	a.pendingMu.Lock()
	wait, ok := a.pending[mac]
	a.pendingMu.Unlock()
	if !ok {
		return
	}

	var err error
	if status != 0 {
		err = fmt.Errorf("hci: connection failed, status %#x", status)
	}
	select {
	case wait <- connResult{handle: handle, err: err}:
	default:
	}
}

func (a *LinuxAdapter) handleDisconnectionComplete(b []byte) {
	// Connection teardown is observed by the per-connection L2CAP socket
	// returning io.EOF; this event is logged for diagnostics only.
	if len(b) < 4 {
		return
	}
	a.log.WithField("handle", binary.LittleEndian.Uint16(b[1:3])).Debug("disconnection complete")
}

func sendCommand(fd int, opcode uint16, params []byte) error {
	if fd == 0 {
		return fmt.Errorf("hci: adapter not open")
	}
	buf := make([]byte, 0, 4+len(params)+1)
	buf = append(buf, packetCommand)
	buf = append(buf, byte(opcode), byte(opcode>>8))
	buf = append(buf, byte(len(params)))
	buf = append(buf, params...)
	_, err := unix.Write(fd, buf)
	return err
}

func buildCreateConnectionCmd(addr [6]byte, addressType byte) []byte {
	b := make([]byte, 25)
	binary.LittleEndian.PutUint16(b[0:2], 0x0010) // scan interval
	binary.LittleEndian.PutUint16(b[2:4], 0x0010) // scan window
	b[4] = 0x00                                   // initiator filter policy: use peer address
	b[5] = addressType
	copy(b[6:12], reverseMAC(addr))
	b[12] = 0x00                                   // own address type: public
	binary.LittleEndian.PutUint16(b[13:15], 0x0018) // conn interval min
	binary.LittleEndian.PutUint16(b[15:17], 0x0028) // conn interval max
	binary.LittleEndian.PutUint16(b[17:19], 0x0000) // conn latency
	binary.LittleEndian.PutUint16(b[19:21], 0x02a0) // supervision timeout
	binary.LittleEndian.PutUint16(b[21:23], 0x0000) // min CE length
	binary.LittleEndian.PutUint16(b[23:25], 0x0000) // max CE length
	return b
}

func reverseMAC(addr [6]byte) []byte {
	b := make([]byte, 6)
	for i := range addr {
		b[i] = addr[5-i]
	}
	return b
}

func formatMAC(addr [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", addr[5], addr[4], addr[3], addr[2], addr[1], addr[0])
}

func parseMAC(mac string) ([6]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return [6]byte{}, fmt.Errorf("hci: invalid MAC %q", mac)
	}
	var addr [6]byte
	copy(addr[:], hw)
	return addr, nil
}

func parseHCIDeviceID(iface string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(iface, "hci%d", &n); err != nil {
		return 0, fmt.Errorf("invalid interface %q, want hciN", iface)
	}
	return n, nil
}
