package device

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/fosrl/newt/logger"
	"golang.zx2c4.com/wireguard/tun"
)

// tunOffset is the headroom the wireguard tun implementation wants in front
// of each packet buffer.
const tunOffset = 16

type readResult struct {
	bufs  [][]byte
	sizes []int
	n     int
	err   error
}

// Tun adapts a wireguard tun.Device to the engine's single-packet contract.
// One pump goroutine drains the device's batched reads into a channel;
// ReadPacket hands packets out one at a time. Writes are serialized by a
// mutex so one flow's packet is never interleaved with another's.
type Tun struct {
	dev    tun.Device
	mtu    int
	readCh chan readResult

	pending readResult
	next    int

	writeMu sync.Mutex
	closed  atomic.Bool
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewTun wraps an open TUN device. mtu is used to size read buffers.
func NewTun(dev tun.Device, mtu int) *Tun {
	t := &Tun{
		dev:     dev,
		mtu:     mtu,
		readCh:  make(chan readResult, 16),
		closeCh: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.pump()
	return t
}

func (t *Tun) pump() {
	defer t.wg.Done()
	batchSize := t.dev.BatchSize()

	for {
		if t.closed.Load() {
			return
		}

		bufs := make([][]byte, batchSize)
		sizes := make([]int, batchSize)
		for i := range bufs {
			bufs[i] = make([]byte, tunOffset+t.mtu)
		}

		n, err := t.dev.Read(bufs, sizes, tunOffset)
		if t.closed.Load() {
			return
		}

		select {
		case t.readCh <- readResult{bufs: bufs, sizes: sizes, n: n, err: err}:
		case <-t.closeCh:
			return
		}

		if err != nil {
			logger.Debug("tun: pump exiting on read error: %v", err)
			return
		}
	}
}

// ReadPacket copies the next packet from the device into buf and returns its
// length. It returns io.EOF once the device is closed. A batch that arrives
// together with a read error is drained in full before the error surfaces.
func (t *Tun) ReadPacket(buf []byte) (int, error) {
	for {
		if t.pending.n > t.next {
			i := t.next
			t.next++
			size := t.pending.sizes[i]
			if size > len(buf) {
				// Oversized for the caller's buffer; drop it.
				continue
			}
			copy(buf, t.pending.bufs[i][tunOffset:tunOffset+size])
			return size, nil
		}
		if t.pending.err != nil {
			return 0, t.pending.err
		}

		select {
		case res := <-t.readCh:
			t.pending = res
			t.next = 0
		case <-t.closeCh:
			return 0, io.EOF
		}
	}
}

// WritePacket injects one IP packet into the interface toward the client.
func (t *Tun) WritePacket(pkt []byte) error {
	if t.closed.Load() {
		return io.EOF
	}

	buf := make([]byte, tunOffset+len(pkt))
	copy(buf[tunOffset:], pkt)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.dev.Write([][]byte{buf}, tunOffset)
	return err
}

func (t *Tun) MTU() int {
	return t.mtu
}

// Close stops the pump and closes the underlying device. Safe to call more
// than once.
func (t *Tun) Close() error {
	var err error
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.closeCh)
		err = t.dev.Close()
		t.wg.Wait()
	})
	return err
}
