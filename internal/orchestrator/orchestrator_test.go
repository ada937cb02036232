package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sterwen-technology/blegw/internal/bus"
	"github.com/sterwen-technology/blegw/internal/decode"
	"github.com/sterwen-technology/blegw/internal/exclusion"
	"github.com/sterwen-technology/blegw/internal/gatt"
	"github.com/sterwen-technology/blegw/internal/gattops"
	"github.com/sterwen-technology/blegw/internal/hci"
	"github.com/sterwen-technology/blegw/internal/hci/hcitest"
	"github.com/sterwen-technology/blegw/internal/registry"
	"github.com/sterwen-technology/blegw/internal/scanner"
	"github.com/sterwen-technology/blegw/internal/session"
)

const (
	gwID = "gw-test"
	mac  = "aa:bb:cc:dd:ee:ff"
)

// fakeBus records published messages and delivers subscribed payloads
// synchronously.
type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
	handlers  map[string]bus.Handler
}

type publishedMsg struct {
	Topic   string
	Payload []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: map[string]bus.Handler{}}
}

func (b *fakeBus) Connect(ctx context.Context) error { return nil }
func (b *fakeBus) Close()                            {}

func (b *fakeBus) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{topic, append([]byte(nil), payload...)})
	return nil
}

func (b *fakeBus) Subscribe(topic string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *fakeBus) messages(topic string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	orch    *Orchestrator
	bus     *fakeBus
	adapter *hcitest.FakeAdapter
	conn    *hcitest.FakeConn
	devices *registry.Registry
	gate    *exclusion.Gate
	sc      *scanner.Scanner
}

func newFixture(t *testing.T) *fixture {
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
	conn.ReadValues[0x0e] = []byte{0x55}
	adapter.SetConn(mac, conn)

	fb := newFakeBus()
	devices := registry.New(log)
	gate := exclusion.New()
	sc := scanner.New(adapter, devices, gate, log)
	sessions := session.New(adapter, "hci0", 0, log)
	ops := gattops.New(sessions, devices)
	orch := New(gwID, fb, sc, ops, sessions, devices, gate, decode.NewRegistry(), log)
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Shutdown)

	return &fixture{orch: orch, bus: fb, adapter: adapter, conn: conn, devices: devices, gate: gate, sc: sc}
}

func (f *fixture) send(t *testing.T, topic string, payload string) {
	t.Helper()
	f.bus.mu.Lock()
	var h bus.Handler
	for pattern, hh := range f.bus.handlers {
		if pattern == topic || (len(pattern) > 0 && pattern[len(pattern)-1] == '+' && len(topic) >= len(pattern)-1 && topic[:len(pattern)-1] == pattern[:len(pattern)-1]) {
			h = hh
		}
	}
	f.bus.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for topic %s", topic)
	}
	h(topic, []byte(payload))
}

func (f *fixture) waitMessages(t *testing.T, topic string, n int) []publishedMsg {
	t.Helper()
	var msgs []publishedMsg
	require.Eventually(t, func() bool {
		msgs = f.bus.messages(topic)
		return len(msgs) >= n
	}, 2*time.Second, 5*time.Millisecond, "no message on %s", topic)
	return msgs
}

func TestGattReadCommandPublishesResult(t *testing.T) {
	f := newFixture(t)
	f.devices.GetOrCreate(mac)

	f.send(t, "gatt/"+gwID+"/"+mac, `{"command":"read","transac_id":42,"keep":1,"action_set":[{"characteristic":"2A19","type":1}]}`)

	msgs := f.waitMessages(t, "gatt_result/"+gwID+"/"+mac, 1)
	var out struct {
		Command   string `json:"command"`
		Error     int    `json:"error"`
		TransacID int64  `json:"transac_id"`
		Result    struct {
			Values []struct {
				Characteristic string  `json:"characteristic"`
				Type           int     `json:"type"`
				Value          float64 `json:"value"`
			} `json:"values"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &out))
	require.Equal(t, "read", out.Command)
	require.Equal(t, 0, out.Error)
	require.EqualValues(t, 42, out.TransacID)
	require.Len(t, out.Result.Values, 1)
	require.Equal(t, "2a19", out.Result.Values[0].Characteristic)
	require.Equal(t, 1, out.Result.Values[0].Type)
	require.EqualValues(t, 85, out.Result.Values[0].Value)
}

func TestGattCommandUnknownDevice(t *testing.T) {
	f := newFixture(t)

	f.send(t, "gatt/"+gwID+"/"+mac, `{"command":"read","characteristic":"2a19","type":1}`)

	msgs := f.waitMessages(t, "gatt_result/"+gwID+"/"+mac, 1)
	var out struct {
		Error int `json:"error"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &out))
	require.Equal(t, 3, out.Error, "unknown device must report code 3")
}

func TestGattCommandInvalidMACIgnored(t *testing.T) {
	f := newFixture(t)

	f.send(t, "gatt/"+gwID+"/nonsense", `{"command":"read"}`)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.bus.messages("gatt_result/"+gwID+"/nonsense"))
}

func TestGattSerializationSameDevice(t *testing.T) {
	f := newFixture(t)
	f.devices.GetOrCreate(mac)

	topic := "gatt/" + gwID + "/" + mac
	f.send(t, topic, `{"command":"read","transac_id":1,"keep":1,"characteristic":"2a19","type":1}`)
	f.send(t, topic, `{"command":"read","transac_id":2,"keep":1,"characteristic":"2a19","type":1}`)

	msgs := f.waitMessages(t, "gatt_result/"+gwID+"/"+mac, 2)
	seen := map[int64]bool{}
	for _, m := range msgs {
		var out struct {
			Error     int   `json:"error"`
			TransacID int64 `json:"transac_id"`
		}
		require.NoError(t, json.Unmarshal(m.Payload, &out))
		require.Equal(t, 0, out.Error)
		seen[out.TransacID] = true
	}
	require.True(t, seen[1] && seen[2], "both transactions must complete: %v", seen)
}

func TestFilterCommandInstallsChain(t *testing.T) {
	f := newFixture(t)

	f.send(t, "filter/"+gwID, `[{"type":"starts_with","match_string":"nope"}]`)

	// run a scan: the admitted set must be empty under the new chain.
	f.adapter.QueueReport(hci.Report{MAC: mac, RSSI: -40, Connectable: true, Data: []byte{0x04, 0x09, 't', 'a', 'g'}})
	f.send(t, "scan/"+gwID, `{"command":"time_scan","timeout":0.05}`)

	msgs := f.waitMessages(t, "scan_result/"+gwID, 1)
	var out struct {
		Detected int `json:"dev_detected"`
		Selected int `json:"dev_selected"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &out))
	require.Equal(t, 1, out.Detected)
	require.Equal(t, 0, out.Selected)
}

func TestScanCommandPublishesSummaryAndAdvertisement(t *testing.T) {
	f := newFixture(t)

	f.adapter.QueueReport(hci.Report{MAC: mac, RSSI: -40, Connectable: true, Data: []byte{0x04, 0x09, 't', 'a', 'g'}})
	f.send(t, "scan/"+gwID, `{"command":"time_scan","timeout":0.05,"advertisement":"min"}`)

	adv := f.waitMessages(t, "advertisement/"+gwID+"/"+mac, 1)
	var out struct {
		LocalName   string `json:"local_name"`
		RSSI        int    `json:"rssi"`
		Connectable bool   `json:"connectable"`
	}
	require.NoError(t, json.Unmarshal(adv[0].Payload, &out))
	require.Equal(t, "tag", out.LocalName)
	require.Equal(t, -40, out.RSSI)
	require.True(t, out.Connectable)

	f.waitMessages(t, "scan_result/"+gwID, 1)
}

func TestScanResultModeNone(t *testing.T) {
	f := newFixture(t)

	f.send(t, "scan/"+gwID, `{"command":"time_scan","timeout":0.03,"result":"none","advertisement":"none"}`)

	time.Sleep(150 * time.Millisecond)
	require.Empty(t, f.bus.messages("scan_result/"+gwID))
	require.Empty(t, f.bus.messages("advertisement/"+gwID+"/"+mac))
}

func TestScanResultModeDevices(t *testing.T) {
	f := newFixture(t)

	f.adapter.QueueReport(hci.Report{MAC: mac, RSSI: -40, Connectable: true, Data: []byte{0x04, 0x09, 't', 'a', 'g'}})
	f.send(t, "scan/"+gwID, `{"command":"time_scan","timeout":0.05,"result":"devices"}`)

	msgs := f.waitMessages(t, "scan_result/"+gwID, 1)
	var out struct {
		Devices []struct {
			Address   string `json:"address"`
			LocalName string `json:"local_name"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &out))
	require.Len(t, out.Devices, 1)
	require.Equal(t, mac, out.Devices[0].Address)
}

func TestEddystoneSubTopic(t *testing.T) {
	f := newFixture(t)

	// flags + service-data frame: Eddystone UUID, URL frame, txpower, https://, "x"
	data := []byte{
		0x02, 0x01, 0x06,
		0x07, 0x16, 0xAA, 0xFE, 0x10, 0xEB, 0x03, 'x',
	}
	f.adapter.QueueReport(hci.Report{MAC: mac, RSSI: -40, Connectable: false, Data: data})
	f.send(t, "scan/"+gwID, `{"command":"time_scan","timeout":0.05,"sub_topics":true}`)

	msgs := f.waitMessages(t, "advertisement/"+gwID+"/"+mac+"/eddystone", 1)
	var out struct {
		URL     string `json:"url"`
		TxPower int    `json:"txpower"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &out))
	require.Equal(t, "https://x", out.URL)
	require.Equal(t, -21, out.TxPower)
}

func TestNotificationPublished(t *testing.T) {
	f := newFixture(t)
	f.devices.GetOrCreate(mac)

	f.send(t, "gatt/"+gwID+"/"+mac, `{"command":"allow_notifications","keep":5,"characteristic":"2a19","type":1}`)
	f.waitMessages(t, "gatt_result/"+gwID+"/"+mac, 1)

	f.conn.Notify(0x0e, []byte{0x2A})

	msgs := f.waitMessages(t, "gatt_result/"+gwID+"/"+mac, 2)
	var out struct {
		Command        string  `json:"command"`
		Characteristic string  `json:"characteristic"`
		Type           int     `json:"type"`
		Value          float64 `json:"value"`
	}
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &out))
	require.Equal(t, "notification", out.Command)
	require.Equal(t, "2a19", out.Characteristic)
	require.Equal(t, gatt.WireInt, out.Type)
	require.EqualValues(t, 42, out.Value)
}

func TestGattWaitsForScanEnd(t *testing.T) {
	f := newFixture(t)

	// the device must be discovered by the scan itself: scan start clears
	// the registry.
	f.adapter.QueueReport(hci.Report{MAC: mac, RSSI: -40, Connectable: true, Data: []byte{0x04, 0x09, 't', 'a', 'g'}})
	f.send(t, "scan/"+gwID, `{"command":"time_scan","timeout":0.2}`)
	require.Eventually(t, func() bool { return f.gate.ScanActive() }, time.Second, 5*time.Millisecond)

	f.send(t, "gatt/"+gwID+"/"+mac, `{"command":"read","keep":1,"characteristic":"2a19","type":1}`)

	msgs := f.waitMessages(t, "gatt_result/"+gwID+"/"+mac, 1)
	var out struct {
		Error int `json:"error"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &out))
	require.Equal(t, 0, out.Error, "queued gatt command must run after the scan finishes")
	require.False(t, f.gate.ScanActive())
}
