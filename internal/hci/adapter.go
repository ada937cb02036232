// Package hci is the abstract boundary between the session/scanner/gattops
// packages and the host controller. adapter.go defines the interface;
// linux.go is the only production implementation, driving a raw HCI socket
// plus per-connection L2CAP sockets.
package hci

import (
	"context"
	"time"
)

// Report is one advertising or scan-response PDU observed during a scan.
type Report struct {
	MAC         string
	AddressType byte
	RSSI        int8
	Connectable bool
	ScanRsp     bool // true if this report is a scan-response merge, not a fresh advertisement.
	Data        []byte
}

// ReportHandler is invoked for every advertising report observed while
// scanning is active.
type ReportHandler func(Report)

// Conn is an open GATT connection to a peripheral, sufficient for discovery
// and ATT request/response traffic.
type Conn interface {
	// Discover enumerates the peer's GATT services and characteristics.
	Discover(ctx context.Context) ([]DiscoveredService, error)

	// ReadCharacteristic reads the full value of the characteristic at
	// valueHandle.
	ReadCharacteristic(ctx context.Context, valueHandle uint16) ([]byte, error)

	// WriteCharacteristic writes b to the characteristic at valueHandle.
	// withResponse selects a Write Request (true) or Write Command (false).
	WriteCharacteristic(ctx context.Context, valueHandle uint16, b []byte, withResponse bool) error

	// WriteDescriptor writes b to the descriptor at handle (used for 0x2902
	// CCCD writes).
	WriteDescriptor(ctx context.Context, handle uint16, b []byte) error

	// Notifications returns a channel of incoming notification/indication
	// payloads keyed by the value handle they arrived on. The channel is
	// closed when the connection is closed.
	Notifications() <-chan Notification

	// MTU returns the negotiated ATT MTU.
	MTU() int

	// RSSI returns the last known RSSI for this connection, or a very
	// negative sentinel if never measured.
	RSSI() int

	// Close tears down the connection.
	Close() error
}

// Notification is one inbound handle-value notification or indication.
type Notification struct {
	ValueHandle uint16
	Data        []byte
}

// DiscoveredService is the result of a full primary-service-and-characteristic
// discovery pass over one connection.
type DiscoveredService struct {
	UUID                 string // hex, wire order already normalized to display order.
	StartHandle          uint16
	EndHandle            uint16
	Characteristics      []DiscoveredCharacteristic
}

// DiscoveredCharacteristic is one characteristic found during discovery.
type DiscoveredCharacteristic struct {
	UUID        string
	Properties  uint8
	ValueHandle uint16
	CCCDHandle  uint16
	HasCCCD     bool
}

// Adapter is the abstract boundary to the host controller. Implementations
// must be safe for concurrent use, except that Scan and Connect must never
// be called concurrently with each other; the Orchestrator enforces that
// exclusion at the call site, not the adapter.
type Adapter interface {
	// Open initializes the controller interface (e.g. "hci0") for use.
	Open(ctx context.Context, iface string) error

	// Close releases the controller interface.
	Close() error

	// StartScan begins active scanning, invoking handler for every
	// observed advertising/scan-response report until StopScan is called.
	StartScan(ctx context.Context, handler ReportHandler) error

	// StopScan halts scanning. It is a no-op if no scan is active.
	StopScan() error

	// Connect opens a GATT connection to mac, blocking until connected,
	// the context is cancelled, or the connection attempt fails.
	Connect(ctx context.Context, mac string, addressType byte, mtu int) (Conn, error)
}

// DefaultDialTimeout bounds a single connection attempt when the caller's
// context carries no deadline.
const DefaultDialTimeout = 10 * time.Second
