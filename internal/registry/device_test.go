package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sterwen-technology/blegw/internal/gatt"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestFromScanDataRSSIMonotone(t *testing.T) {
	d := NewDevice("aa:bb:cc:dd:ee:ff", testLog())
	ad := &gatt.Advertisement{}

	d.FromScanData(ad, -80, true, time.Now())
	d.FromScanData(ad, -60, true, time.Now())
	d.FromScanData(ad, -90, true, time.Now())

	if got := d.RSSI(); got != -60 {
		t.Errorf("RSSI = %d, want running max -60", got)
	}

	d.ResetScanWindow()
	d.FromScanData(ad, -95, true, time.Now())
	if got := d.RSSI(); got != -95 {
		t.Errorf("RSSI after reset = %d, want -95", got)
	}
}

func TestFromScanDataMergesServiceData(t *testing.T) {
	d := NewDevice("aa:bb:cc:dd:ee:ff", testLog())

	d.FromScanData(&gatt.Advertisement{
		ServiceData: []gatt.ServiceDatum{{UUID: gatt.UUID16(0x2A6E), Data: []byte{0x34, 0x12}}},
	}, -70, true, time.Now())
	d.FromScanData(&gatt.Advertisement{
		ServiceData: []gatt.ServiceDatum{{UUID: gatt.UUID16(0x2A19), Data: []byte{0x55}}},
	}, -70, true, time.Now())

	sd := d.ServiceData()
	if len(sd) != 2 {
		t.Fatalf("service data entries = %d, want 2 (merged)", len(sd))
	}
}

func TestTransactionSerialization(t *testing.T) {
	d := NewDevice("aa:bb:cc:dd:ee:ff", testLog())

	var inProgress int32
	var maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.BeginTransaction(true, true)
			n := atomic.AddInt32(&inProgress, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inProgress, -1)
			d.EndTransaction()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("observed %d concurrent transactions, want 1", maxSeen)
	}
}

func TestBeginTransactionNonBlockingProbe(t *testing.T) {
	d := NewDevice("aa:bb:cc:dd:ee:ff", testLog())

	if busy := d.BeginTransaction(false, false); busy {
		t.Error("idle device reported busy")
	}
	d.BeginTransaction(true, true)
	if busy := d.BeginTransaction(false, false); !busy {
		t.Error("locked device reported idle")
	}
	d.EndTransaction()
	if busy := d.BeginTransaction(false, false); busy {
		t.Error("released device reported busy")
	}
}

func TestArmDisconnectTimerRearm(t *testing.T) {
	d := NewDevice("aa:bb:cc:dd:ee:ff", testLog())

	var fired int32
	d.ArmDisconnectTimer(30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.ArmDisconnectTimer(60*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(45 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 0 {
		t.Fatalf("first timer fired despite re-arm (fired=%d)", n)
	}
	time.Sleep(45 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Errorf("fired = %d, want exactly 1", n)
	}
}

func TestCancelDisconnectTimer(t *testing.T) {
	d := NewDevice("aa:bb:cc:dd:ee:ff", testLog())

	var fired int32
	d.ArmDisconnectTimer(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	d.CancelDisconnectTimer()

	time.Sleep(40 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 0 {
		t.Errorf("cancelled timer fired %d times", n)
	}
}

func TestRegistryClearAndCounts(t *testing.T) {
	r := New(testLog())
	r.GetOrCreate("AA:BB:CC:DD:EE:FF")
	r.IncrementDetected()
	r.IncrementAccepted()

	if _, ok := r.Get("aa:bb:cc:dd:ee:ff"); !ok {
		t.Error("MAC lookup is not case-insensitive")
	}

	r.Clear()
	if d, a := r.Counts(); d != 0 || a != 0 {
		t.Errorf("Counts after Clear = %d/%d, want 0/0", d, a)
	}
	if len(r.All()) != 0 {
		t.Error("devices survived Clear")
	}
}

func TestSetDiscoveredIndexesChannels(t *testing.T) {
	d := NewDevice("aa:bb:cc:dd:ee:ff", testLog())
	svc := &gatt.Service{
		UUID: gatt.UUID16(0x180F),
		Characteristics: []*gatt.Characteristic{
			{UUID: gatt.UUID16(0x2A19), ValueHandle: 0x0e},
		},
	}
	d.SetDiscovered([]*gatt.Service{svc})

	if !d.Discovered() {
		t.Fatal("Discovered = false")
	}
	if _, ok := d.Channel(gatt.UUID16(0x2A19)); !ok {
		t.Error("channel index missing discovered characteristic")
	}

	d.ResetDiscovery()
	if d.Discovered() {
		t.Error("Discovered = true after reset")
	}
	if _, ok := d.Channel(gatt.UUID16(0x2A19)); ok {
		t.Error("channel survived ResetDiscovery")
	}
}
