// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the blobject.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/creachadair/blobject"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa. Closing either end closes the connection, and pending sends
// and receives on both ends report net.ErrClosed.
func Direct() (A, B blobject.Channel) {
	a2b := make(chan *blobject.Packet)
	b2a := make(chan *blobject.Packet)
	conn := &directConn{done: make(chan struct{})}
	A = &direct{send: a2b, recv: b2a, conn: conn}
	B = &direct{send: b2a, recv: a2b, conn: conn}
	return
}

type directConn struct {
	once sync.Once
	done chan struct{}
}

type direct struct {
	send   chan<- *blobject.Packet
	recv   <-chan *blobject.Packet
	conn   *directConn
	closed atomic.Bool
}

// Send implements a method of the [blobject.Channel] interface.
func (d *direct) Send(pkt *blobject.Packet) error {
	if d.closed.Load() {
		return net.ErrClosed
	}
	select {
	case <-d.conn.done:
		return net.ErrClosed
	case d.send <- pkt:
		return nil
	}
}

// Recv implements a method of the [blobject.Channel] interface.
func (d *direct) Recv() (*blobject.Packet, error) {
	select {
	case <-d.conn.done:
		return nil, net.ErrClosed
	case pkt := <-d.recv:
		return pkt, nil
	}
}

// Close implements a method of the [blobject.Channel] interface.
func (d *direct) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}
	d.conn.once.Do(func() { close(d.conn.done) })
	return nil
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// Pipe constructs a connected pair of in-memory channels that encode packets
// in binary over a pair of pipes. Unlike Direct, packets pass through the
// same framing used by network connections.
func Pipe() (A, B IOChannel) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return IO(ar, aw), IO(br, bw)
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [blobject.Channel] interface.
// Each packet is flushed to the underlying writer before Send returns.
func (c IOChannel) Send(pkt *blobject.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [blobject.Channel] interface.
func (c IOChannel) Recv() (*blobject.Packet, error) {
	var pkt blobject.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [blobject.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
