package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sterwen-technology/blegw/internal/gatt"
	"github.com/sterwen-technology/blegw/internal/hci"
	"github.com/sterwen-technology/blegw/internal/hci/hcitest"
	"github.com/sterwen-technology/blegw/internal/registry"
)

const mac = "aa:bb:cc:dd:ee:ff"

func newFixture(t *testing.T) (*Manager, *registry.Device, *hcitest.FakeAdapter, *hcitest.FakeConn) {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	log := logrus.NewEntry(l)

	adapter := hcitest.NewFakeAdapter()
	conn := hcitest.NewFakeConn()
	conn.Services = []hci.DiscoveredService{
		{
			UUID: "180f",
			Characteristics: []hci.DiscoveredCharacteristic{
				{UUID: "2a19", Properties: 0x12, ValueHandle: 0x0e, CCCDHandle: 0x0f, HasCCCD: true},
			},
		},
	}
	adapter.SetConn(mac, conn)

	m := New(adapter, "hci0", 0, log)
	reg := registry.New(log)
	dev := reg.GetOrCreate(mac)
	return m, dev, adapter, conn
}

func TestConnectTransitionsAndHook(t *testing.T) {
	m, dev, _, _ := newFixture(t)

	var connected int32
	m.OnConnect(func(*registry.Device) { atomic.AddInt32(&connected, 1) })

	require.NoError(t, m.Connect(context.Background(), dev, 0))
	require.Equal(t, registry.StateConnected, dev.ConnState())
	require.EqualValues(t, 1, atomic.LoadInt32(&connected))
}

func TestConnectRetries(t *testing.T) {
	m, dev, adapter, _ := newFixture(t)
	adapter.ConnectErrs = 2

	require.NoError(t, m.Connect(context.Background(), dev, 2))
	require.Equal(t, 3, adapter.ConnectCalls)
	require.Equal(t, registry.StateConnected, dev.ConnState())
}

func TestConnectRetryExhaustion(t *testing.T) {
	m, dev, adapter, _ := newFixture(t)
	adapter.ConnectErrs = 3

	err := m.Connect(context.Background(), dev, 2)
	require.Error(t, err)
	require.Equal(t, registry.StateIdle, dev.ConnState())
}

func TestReconnectResetsDiscovery(t *testing.T) {
	m, dev, _, _ := newFixture(t)

	require.NoError(t, m.Connect(context.Background(), dev, 0))
	require.NoError(t, m.Discover(context.Background(), dev, nil))
	require.True(t, dev.Discovered())
	require.Equal(t, registry.StateDiscovered, dev.ConnState())

	require.NoError(t, m.Disconnect(dev))
	require.NoError(t, m.Connect(context.Background(), dev, 0))
	require.False(t, dev.Discovered(), "discovered state must be reset on reconnect")
}

func TestDisconnectJoinsNotificationWorker(t *testing.T) {
	m, dev, _, _ := newFixture(t)

	var disconnected int32
	m.OnDisconnect(func(*registry.Device) { atomic.AddInt32(&disconnected, 1) })

	require.NoError(t, m.Connect(context.Background(), dev, 0))
	require.NoError(t, m.Discover(context.Background(), dev, nil))

	m.StartNotifications(dev)
	stop, done := dev.NotifyChannels()
	require.NotNil(t, stop)
	require.NotNil(t, done)

	require.NoError(t, m.Disconnect(dev))
	require.Equal(t, registry.StateIdle, dev.ConnState())
	require.EqualValues(t, 1, atomic.LoadInt32(&disconnected))

	stop, done = dev.NotifyChannels()
	require.Nil(t, stop, "notification worker not cleared after disconnect")
	require.Nil(t, done)
}

func TestNotificationDispatch(t *testing.T) {
	m, dev, _, conn := newFixture(t)

	var got atomic.Value
	m.OnNotification(func(d *registry.Device, ch *gatt.Characteristic, data []byte, at time.Time) {
		got.Store(append([]byte(nil), data...))
	})

	require.NoError(t, m.Connect(context.Background(), dev, 0))
	require.NoError(t, m.Discover(context.Background(), dev, nil))
	m.StartNotifications(dev)

	conn.Notify(0x0e, []byte{0x55})

	require.Eventually(t, func() bool { return got.Load() != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, []byte{0x55}, got.Load().([]byte))

	m.StopNotifications(dev)
}

func TestAutoDisconnectSkippedDuringTransaction(t *testing.T) {
	m, dev, _, _ := newFixture(t)

	require.NoError(t, m.Connect(context.Background(), dev, 0))

	dev.BeginTransaction(true, true)
	m.ArmDisconnectTimer(dev, 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, registry.StateConnected, dev.ConnState(), "timer expiry must be ignored while a transaction is in progress")
	dev.EndTransaction()

	m.ArmDisconnectTimer(dev, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return dev.ConnState() == registry.StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestArmDisconnectTimerRearmReplaces(t *testing.T) {
	m, dev, _, conn := newFixture(t)

	require.NoError(t, m.Connect(context.Background(), dev, 0))

	m.ArmDisconnectTimer(dev, 30*time.Millisecond)
	m.ArmDisconnectTimer(dev, 200*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, registry.StateConnected, dev.ConnState(), "first timer fired despite re-arm")

	require.Eventually(t, func() bool {
		return dev.ConnState() == registry.StateIdle
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, conn.CloseCalled)
}
