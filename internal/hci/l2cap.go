package hci

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sterwen-technology/blegw/internal/gatt"
)

// l2capConn is the production Conn implementation: a connection-oriented
// L2CAP socket bound to the ATT fixed channel (CID 4) of a peer device.
// The kernel's native BTPROTO_L2CAP socket handles ACL reassembly, so this
// layer only frames and correlates ATT PDUs.
type l2capConn struct {
	log *logrus.Entry
	mac string
	mtu int
	fd  int

	reqMu   sync.Mutex // serializes request/response ATT exchanges
	respCh  chan attFrame
	notifCh chan Notification

	closeOnce sync.Once
	closed    chan struct{}

	rssi int
}

type attFrame struct {
	opcode byte
	body   []byte
}

const attCID = 4

func newL2capConn(log *logrus.Entry, mac string, addr [6]byte, addressType byte, mtu int) (*l2capConn, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("hci: l2cap socket: %w", err)
	}

	l2capAddrType := uint8(unix.BDADDR_LE_PUBLIC)
	if addressType == 1 {
		l2capAddrType = unix.BDADDR_LE_RANDOM
	}
	sa := &unix.SockaddrL2{PSM: 0, CID: attCID, Addr: addr, AddrType: l2capAddrType}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hci: l2cap connect %s: %w", mac, err)
	}

	c := &l2capConn{
		log:     log.WithField("mac", mac),
		mac:     mac,
		mtu:     mtu,
		fd:      fd,
		respCh:  make(chan attFrame, 1),
		notifCh: make(chan Notification, 32),
		closed:  make(chan struct{}),
		rssi:    -127,
	}
	go c.readLoop()
	return c, nil
}

func (c *l2capConn) readLoop() {
	buf := make([]byte, 512)
	for {
		n, err := unix.Read(c.fd, buf)
		if err != nil || n < 1 {
			close(c.notifCh)
			return
		}
		frame := attFrame{opcode: buf[0], body: append([]byte(nil), buf[1:n]...)}
		switch frame.opcode {
		case gatt.OpHandleNotify:
			c.deliverNotification(frame.body)
		case gatt.OpHandleInd:
			c.deliverNotification(frame.body)
			c.send([]byte{gatt.OpHandleCnf})
		default:
			select {
			case c.respCh <- frame:
			default:
				// a response arrived with no pending request; drop it.
			}
		}
	}
}

func (c *l2capConn) deliverNotification(body []byte) {
	if len(body) < 2 {
		return
	}
	handle := binary.LittleEndian.Uint16(body[:2])
	select {
	case c.notifCh <- Notification{ValueHandle: handle, Data: append([]byte(nil), body[2:]...)}:
	default:
		c.log.Warn("notification dropped: channel full")
	}
}

func (c *l2capConn) send(b []byte) error {
	_, err := unix.Write(c.fd, b)
	return err
}

// request sends an ATT PDU and waits for the matching response frame
// (Error Response or the opcode's own response), honoring ctx.
func (c *l2capConn) request(ctx context.Context, pdu []byte) (attFrame, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.send(pdu); err != nil {
		return attFrame{}, err
	}
	select {
	case f := <-c.respCh:
		if f.opcode == gatt.OpError {
			return f, fmt.Errorf("hci: att error response: %s", errorCodeName(f.body))
		}
		return f, nil
	case <-ctx.Done():
		return attFrame{}, ctx.Err()
	case <-c.closed:
		return attFrame{}, fmt.Errorf("hci: connection closed")
	}
}

func errorCodeName(body []byte) string {
	if len(body) < 4 {
		return "malformed error response"
	}
	return fmt.Sprintf("opcode %#x handle %#x code %#x", body[0], binary.LittleEndian.Uint16(body[1:3]), body[3])
}

// Discover walks primary services (Read By Group Type) then, per service,
// characteristic declarations (Read By Type), per the GATT discovery
// procedure. The CCCD handle is assumed to immediately follow the value
// handle, the layout the large majority of stacks use; a strict Find
// Information pass is not performed.
func (c *l2capConn) Discover(ctx context.Context) ([]DiscoveredService, error) {
	var services []DiscoveredService
	start := uint16(0x0001)
	for start < 0xffff {
		req := make([]byte, 7)
		req[0] = gatt.OpReadByGroupReq
		binary.LittleEndian.PutUint16(req[1:3], start)
		binary.LittleEndian.PutUint16(req[3:5], 0xffff)
		copy(req[5:7], gatt.AttrPrimaryServiceUUID.Bytes())

		f, err := c.request(ctx, req)
		if err != nil {
			break // AttrNotFound (or any other failure) ends the discovery loop.
		}
		if len(f.body) < 1 {
			break
		}
		entryLen := int(f.body[0])
		entries := f.body[1:]
		var last uint16
		for len(entries) >= entryLen {
			e := entries[:entryLen]
			svcStart := binary.LittleEndian.Uint16(e[0:2])
			svcEnd := binary.LittleEndian.Uint16(e[2:4])
			uuidBytes := e[4:entryLen]
			services = append(services, DiscoveredService{
				UUID:        gatt.FromWireBytes(uuidBytes).String(),
				StartHandle: svcStart,
				EndHandle:   svcEnd,
			})
			last = svcEnd
			entries = entries[entryLen:]
		}
		if last == 0xffff || last < start {
			break
		}
		start = last + 1
	}

	for i := range services {
		chars, err := c.discoverCharacteristics(ctx, services[i].StartHandle, services[i].EndHandle)
		if err != nil {
			return nil, err
		}
		services[i].Characteristics = chars
	}
	return services, nil
}

func (c *l2capConn) discoverCharacteristics(ctx context.Context, start, end uint16) ([]DiscoveredCharacteristic, error) {
	var chars []DiscoveredCharacteristic
	for start <= end {
		req := make([]byte, 7)
		req[0] = gatt.OpReadByTypeReq
		binary.LittleEndian.PutUint16(req[1:3], start)
		binary.LittleEndian.PutUint16(req[3:5], end)
		copy(req[5:7], gatt.AttrCharacteristicUUID.Bytes())

		f, err := c.request(ctx, req)
		if err != nil {
			break
		}
		if len(f.body) < 1 {
			break
		}
		entryLen := int(f.body[0])
		entries := f.body[1:]
		var lastHandle uint16
		for len(entries) >= entryLen {
			e := entries[:entryLen]
			declHandle := binary.LittleEndian.Uint16(e[0:2])
			props := e[2]
			valueHandle := binary.LittleEndian.Uint16(e[3:5])
			uuidBytes := e[5:entryLen]
			dc := DiscoveredCharacteristic{
				UUID:        gatt.FromWireBytes(uuidBytes).String(),
				Properties:  props,
				ValueHandle: valueHandle,
			}
			if gatt.CharProperty(props)&(gatt.CharNotify|gatt.CharIndicate) != 0 {
				dc.CCCDHandle = valueHandle + 1
				dc.HasCCCD = true
			}
			chars = append(chars, dc)
			lastHandle = declHandle
			entries = entries[entryLen:]
		}
		if lastHandle == 0 || lastHandle >= end {
			break
		}
		start = lastHandle + 1
	}
	return chars, nil
}

func (c *l2capConn) ReadCharacteristic(ctx context.Context, valueHandle uint16) ([]byte, error) {
	req := make([]byte, 3)
	req[0] = gatt.OpReadReq
	binary.LittleEndian.PutUint16(req[1:3], valueHandle)
	f, err := c.request(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.body, nil
}

func (c *l2capConn) WriteCharacteristic(ctx context.Context, valueHandle uint16, b []byte, withResponse bool) error {
	pdu := make([]byte, 3+len(b))
	if withResponse {
		pdu[0] = gatt.OpWriteReq
	} else {
		pdu[0] = gatt.OpWriteCmd
	}
	binary.LittleEndian.PutUint16(pdu[1:3], valueHandle)
	copy(pdu[3:], b)

	if !withResponse {
		return c.send(pdu)
	}
	_, err := c.request(ctx, pdu)
	return err
}

func (c *l2capConn) WriteDescriptor(ctx context.Context, handle uint16, b []byte) error {
	return c.WriteCharacteristic(ctx, handle, b, true)
}

func (c *l2capConn) Notifications() <-chan Notification { return c.notifCh }

func (c *l2capConn) MTU() int { return c.mtu }

func (c *l2capConn) RSSI() int { return c.rssi }

func (c *l2capConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = unix.Close(c.fd)
	})
	return err
}

