// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *blobject.Peer
	B *blobject.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers, that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: blobject.NewPeer().Start(a2b),
		B: blobject.NewPeer().Start(b2a),
	}
}

// NewLocalEncoded creates a pair of in-memory connected peers that exchange
// binary-encoded packets over pipes. A serves requests using loc.
func NewLocalEncoded(loc blobject.Locator) *Local {
	a2b, b2a := channel.Pipe()
	return &Local{
		A: blobject.NewPeer().Serve(loc).Start(a2b),
		B: blobject.NewPeer().Start(b2a),
	}
}

// An Accepter accepts connections from clients.
type Accepter interface {
	Accept(context.Context) (blobject.Channel, error)
}

// Loop accepts connections from acc and starts a clone of base for each one
// in a goroutine. Loop continues until acc closes or ctx ends. The base peer
// itself is not started.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, base *blobject.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := base.Clone().Start(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (blobject.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// Dial connects to addr and returns a started peer on the connection. The
// network type is chosen by [blobject.SplitAddress]. If base != nil, the new
// peer is a clone of base; otherwise it is a fresh peer.
func Dial(ctx context.Context, addr string, base *blobject.Peer) (*blobject.Peer, error) {
	var d net.Dialer
	network, target := blobject.SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}
	peer := blobject.NewPeer()
	if base != nil {
		peer = base.Clone()
	}
	return peer.Start(channel.IO(conn, conn)), nil
}
