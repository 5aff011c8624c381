// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package channel_test

import (
	"errors"
	"net"
	"testing"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/channel"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		pkt := &blobject.Packet{Type: blobject.PacketRequest, Payload: []byte("ping")}
		if err := c.Send(pkt); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != pkt {
			t.Errorf("Packet: got %v, want %v", got, pkt)
		}
		return nil
	})
	g.Go(func() error {
		pkt, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(pkt); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := c.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("c.Close again: got %v, want %v", err, net.ErrClosed)
	}

	// Closing one end closes the connection for both.
	if err := s.Send(nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("s.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if pkt, err := s.Recv(); err == nil {
		t.Errorf("s.Recv after close: got %+v", pkt)
	} else {
		t.Logf("Error OK: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}
	if err := c.Send(nil); err == nil {
		t.Error("c.Send after close did not report an error")
	}
}

func TestDirectCloseUnblocks(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		if pkt, err := s.Recv(); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Recv: got (%v, %v), want %v", pkt, err, net.ErrClosed)
		}
		return nil
	})
	c.Close()
	g.Wait()
}

func TestPipe(t *testing.T) {
	a, b := channel.Pipe()
	defer a.Close()
	defer b.Close()

	want := &blobject.Packet{
		Type: blobject.PacketRequest,
		Payload: blobject.Request{
			RequestID: 5,
			Identity:  blobject.Identity{Name: "obj"},
			Operation: "op",
			Params:    []byte("xyz"),
		}.Encode(),
	}

	g := taskgroup.New(nil)
	g.Go(func() error { return a.Send(want) })

	got, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Packet (-want, +got):\n%s", diff)
	}
}
