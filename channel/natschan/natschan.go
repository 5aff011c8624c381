// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package natschan implements the blobject.Channel interface over a NATS
// connection.
//
// A channel is a pair of subjects: packets are published to one and received
// from the other. Each packet is carried in one message, in the same binary
// format written by channel.IO. An empty message marks the end of the
// stream.
//
// A [Listener] accepts channels on a well-known subject. A client calls
// [Dial] with the same subject to set up a private pair of subjects for its
// session:
//
//	lst, err := natschan.Listen(nc, "svc.demo")
//	...
//	peers.Loop(ctx, lst, base)
//
//	ch, err := natschan.Dial(ctx, nc, "svc.demo")
//	...
//	cli := blobject.NewPeer().Start(ch)
package natschan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/blobject"
	"github.com/nats-io/nats.go"
)

// bufferSize is the number of inbound messages buffered by a subscription.
const bufferSize = 1024

// Channel is a [blobject.Channel] that exchanges packets over NATS subjects.
type Channel struct {
	nc   *nats.Conn
	send string
	sub  *nats.Subscription
	msgs chan *nats.Msg

	once sync.Once
	done chan struct{}
}

// New constructs a channel that publishes packets on sendSubject and receives
// packets from recvSubject. The caller remains responsible for closing nc;
// closing the channel does not close the connection.
func New(nc *nats.Conn, sendSubject, recvSubject string) (*Channel, error) {
	if sendSubject == "" || recvSubject == "" {
		return nil, errors.New("natschan: empty subject")
	}
	msgs := make(chan *nats.Msg, bufferSize)
	sub, err := nc.ChanSubscribe(recvSubject, msgs)
	if err != nil {
		return nil, fmt.Errorf("natschan: subscribe %q: %w", recvSubject, err)
	}
	return &Channel{
		nc:   nc,
		send: sendSubject,
		sub:  sub,
		msgs: msgs,
		done: make(chan struct{}),
	}, nil
}

// Send implements a method of the [blobject.Channel] interface.
func (c *Channel) Send(pkt *blobject.Packet) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	return c.nc.Publish(c.send, pkt.Encode())
}

// Recv implements a method of the [blobject.Channel] interface.
func (c *Channel) Recv() (*blobject.Packet, error) {
	select {
	case <-c.done:
		return nil, net.ErrClosed
	case msg := <-c.msgs:
		if len(msg.Data) == 0 {
			c.shutdown(false)
			return nil, io.EOF
		}
		var pkt blobject.Packet
		if err := pkt.UnmarshalBinary(msg.Data); err != nil {
			return nil, err
		}
		return &pkt, nil
	}
}

// Close implements a method of the [blobject.Channel] interface. It notifies
// the remote end that the stream is over.
func (c *Channel) Close() error {
	if !c.shutdown(true) {
		return net.ErrClosed
	}
	return nil
}

// shutdown closes c and reports whether this call did so. If notify is true,
// the remote end is sent an end-of-stream marker.
func (c *Channel) shutdown(notify bool) (closed bool) {
	c.once.Do(func() {
		closed = true
		close(c.done)
		if notify {
			c.nc.Publish(c.send, nil)
			c.nc.Flush()
		}
		c.sub.Unsubscribe()
	})
	return
}

// A Listener accepts channels from clients that call [Dial] with the subject
// it listens on. It implements the Accepter interface from the peers package.
type Listener struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	reqs chan *nats.Msg

	once sync.Once
	done chan struct{}
}

// Listen returns a Listener for session requests on subject.
func Listen(nc *nats.Conn, subject string) (*Listener, error) {
	reqs := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(subject, reqs)
	if err != nil {
		return nil, fmt.Errorf("natschan: listen %q: %w", subject, err)
	}
	return &Listener{nc: nc, sub: sub, reqs: reqs, done: make(chan struct{})}, nil
}

// Accept blocks until a client requests a session, and returns a channel
// for it. Accept reports net.ErrClosed after l is closed.
func (l *Listener) Accept(ctx context.Context) (blobject.Channel, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
			return nil, net.ErrClosed
		case msg := <-l.reqs:
			base := string(msg.Data)
			if !validSessionID(base) || msg.Reply == "" {
				continue // not a session request; ignore it
			}
			ch, err := New(l.nc, base+".c", base+".s")
			if err != nil {
				return nil, err
			}
			if err := msg.Respond([]byte(base)); err != nil {
				ch.shutdown(false)
				return nil, fmt.Errorf("natschan: accept: %w", err)
			}
			return ch, nil
		}
	}
}

// Close stops accepting new sessions. Channels already accepted are not
// affected.
func (l *Listener) Close() error {
	err := net.ErrClosed
	l.once.Do(func() {
		close(l.done)
		err = l.sub.Unsubscribe()
	})
	return err
}

// Dial requests a new session from the listener on subject, and returns a
// channel connected to it.
func Dial(ctx context.Context, nc *nats.Conn, subject string) (*Channel, error) {
	base := nats.NewInbox()

	// Subscribe before asking, so that no packet sent by the listener after
	// it responds is lost.
	ch, err := New(nc, base+".s", base+".c")
	if err != nil {
		return nil, err
	}
	rsp, err := nc.RequestWithContext(ctx, subject, []byte(base))
	if err != nil {
		ch.shutdown(false)
		return nil, fmt.Errorf("natschan: dial %q: %w", subject, err)
	}
	if string(rsp.Data) != base {
		ch.shutdown(false)
		return nil, fmt.Errorf("natschan: dial %q: unexpected response %q", subject, rsp.Data)
	}
	return ch, nil
}

// validSessionID reports whether s has the shape of an ID generated by Dial.
func validSessionID(s string) bool {
	return strings.HasPrefix(s, nats.InboxPrefix) && !strings.ContainsAny(s, " \t\r\n*>")
}
