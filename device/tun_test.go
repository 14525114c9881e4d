package device_test

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/ternfw/tern/device"
)

// readBatch is one scripted result for fakeTun.Read: packets, optionally
// paired with the error the read returns alongside them.
type readBatch struct {
	pkts [][]byte
	err  error
}

// fakeTun implements the wireguard tun.Device surface the adapter uses:
// batched reads with an offset, offset writes, and close.
type fakeTun struct {
	batches chan readBatch
	written chan []byte
	events  chan tun.Event
	closed  chan struct{}
}

func newFakeTun() *fakeTun {
	return &fakeTun{
		batches: make(chan readBatch, 8),
		written: make(chan []byte, 8),
		events:  make(chan tun.Event),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTun) File() *os.File { return nil }

func (f *fakeTun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case batch := <-f.batches:
		n := 0
		for i, pkt := range batch.pkts {
			if i >= len(bufs) {
				break
			}
			copy(bufs[i][offset:], pkt)
			sizes[i] = len(pkt)
			n++
		}
		return n, batch.err
	case <-f.closed:
		return 0, os.ErrClosed
	}
}

func (f *fakeTun) Write(bufs [][]byte, offset int) (int, error) {
	for _, buf := range bufs {
		out := make([]byte, len(buf)-offset)
		copy(out, buf[offset:])
		f.written <- out
	}
	return len(bufs), nil
}

func (f *fakeTun) MTU() (int, error)       { return 1500, nil }
func (f *fakeTun) Name() (string, error)   { return "tern-test", nil }
func (f *fakeTun) Events() <-chan tun.Event { return f.events }
func (f *fakeTun) BatchSize() int          { return 4 }

func (f *fakeTun) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func TestReadPacketDeBatches(t *testing.T) {
	ft := newFakeTun()
	d := device.NewTun(ft, 1500)
	defer d.Close()

	want := [][]byte{
		[]byte("first packet"),
		[]byte("second"),
		[]byte("third one here"),
	}
	ft.batches <- readBatch{pkts: want}

	buf := make([]byte, 1500)
	for i, pkt := range want {
		n, err := d.ReadPacket(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(buf[:n], pkt) {
			t.Fatalf("read %d = %q, want %q", i, buf[:n], pkt)
		}
	}
}

func TestReadPacketSpansBatches(t *testing.T) {
	ft := newFakeTun()
	d := device.NewTun(ft, 1500)
	defer d.Close()

	ft.batches <- readBatch{pkts: [][]byte{[]byte("batch-a")}}
	ft.batches <- readBatch{pkts: [][]byte{[]byte("batch-b")}}

	buf := make([]byte, 1500)
	for _, want := range []string{"batch-a", "batch-b"} {
		n, err := d.ReadPacket(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(buf[:n]) != want {
			t.Fatalf("read = %q, want %q", buf[:n], want)
		}
	}
}

func TestFinalBatchDeliveredBeforeReadError(t *testing.T) {
	ft := newFakeTun()
	d := device.NewTun(ft, 1500)
	defer d.Close()

	// A TUN read can hand back packets and a terminal error together; the
	// packets must still reach the caller before the error does.
	readErr := errors.New("device torn down")
	ft.batches <- readBatch{
		pkts: [][]byte{[]byte("parting-a"), []byte("parting-b")},
		err:  readErr,
	}

	buf := make([]byte, 1500)
	for _, want := range []string{"parting-a", "parting-b"} {
		n, err := d.ReadPacket(buf)
		if err != nil {
			t.Fatalf("read before error surfaced: %v", err)
		}
		if string(buf[:n]) != want {
			t.Fatalf("read = %q, want %q", buf[:n], want)
		}
	}

	if _, err := d.ReadPacket(buf); !errors.Is(err, readErr) {
		t.Fatalf("expected the device error after the final batch, got %v", err)
	}
}

func TestWritePacketPreservesPayload(t *testing.T) {
	ft := newFakeTun()
	d := device.NewTun(ft, 1500)
	defer d.Close()

	pkt := []byte{0x45, 0x00, 0x00, 0x14, 0xde, 0xad}
	if err := d.WritePacket(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-ft.written:
		if !bytes.Equal(got, pkt) {
			t.Fatalf("written = %x, want %x", got, pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("packet never reached the device")
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	ft := newFakeTun()
	d := device.NewTun(ft, 1500)

	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 1500)
		_, err := d.ReadPacket(buf)
		readErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected an error from a read on a closed device")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock on close")
	}

	// Writes after close fail rather than panic.
	if err := d.WritePacket([]byte{1}); err == nil {
		t.Fatal("expected write to a closed device to fail")
	}

	// Close is idempotent.
	if err := d.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
