// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package blobject

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/blobject/wire"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A PacketHandler processes a packet from the remote peer. A packet handler
// can obtain the peer from its context argument using the ContextPeer helper.
// Any error reported by a packet handler is protocol fatal.
type PacketHandler func(context.Context, *Packet) error

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", value.Cond(p.Sent, "send", "recv"), p.Packet)
}

// A Peer exchanges requests and replies with a remote peer over a [Channel].
// A zero-valued Peer is ready for use, but must not be copied after any
// method has been called.
//
// Inbound requests are routed by the [Locator] registered with Serve and
// delivered to the located [Blobject] through [Dispatch]. Each request is
// dispatched on its own goroutine, which returns as soon as the servant has
// handed back its completion handle; the reply is written when that handle
// resolves, from whatever goroutine resolves it. Replies may be sent in any
// order, but each is written as a complete packet.
//
// Call Start with a channel to start the service routine for the peer. Once
// started, a peer runs until Stop is called, the channel closes, or a
// protocol fatal error occurs. Use Wait to wait for the peer to exit and
// report its status.
type Peer struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	plog atomic.Pointer[PacketLogger] // what it says on the tin

	μ sync.Mutex

	err   error                        // protocol fatal error
	ocall map[uint32]pending           // outbound calls pending replies
	nexto uint32                       // next unused outbound call ID
	icall map[uint32]*inflight         // requestID → active dispatch
	loc   Locator                      // servant routing
	pmux  map[PacketType]PacketHandler // packetType → packet handler
	base  func() context.Context       // return a new base context
	log   *slog.Logger                 // if nil, use slog.Default()
	dtime time.Duration                // dispatch timeout, 0 for none

	onExit func(error)
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Clone returns a new unstarted peer that has the same locator, packet
// handlers, logging, context, timeout, and exit settings as p.
func (p *Peer) Clone() *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	c := &Peer{
		loc:    p.loc,
		pmux:   maps.Clone(p.pmux),
		base:   p.base,
		log:    p.log,
		dtime:  p.dtime,
		onExit: p.onExit,
	}
	c.plog.Store(p.plog.Load())
	return c
}

// Start starts the peer running on the given channel. The peer runs until the
// channel closes or a protocol fatal error occurs. Start does not block; call
// Wait to wait for the peer to exit and report its status.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.in != nil {
		panic("peer is already started")
	}

	g := taskgroup.New(nil)
	p.in = ch
	p.tasks = g
	p.out.Lock()
	p.out.ch = ch
	p.out.Unlock()
	p.err = nil
	p.ocall = make(map[uint32]pending)
	p.nexto = 0
	p.icall = make(map[uint32]*inflight)
	if p.base == nil {
		p.base = context.Background
	}

	g.Go(func() error {
		for {
			pkt, err := ch.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			peerMetrics.packetRecv.Add(1)
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})

	return p
}

// Metrics returns the metrics map shared by all peers. It is safe for the
// caller to add additional metrics to the map while peers are active.
func (p *Peer) Metrics() *expvar.Map { return peerMetrics.emap }

// Stop closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status. After Stop completes it is safe to
// restart the peer with a new channel.
//
// Dispatches still awaiting completion when the peer stops have their
// contexts canceled, and their eventual results are discarded.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the peer was running.
func (p *Peer) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the peer with a new
// channel.
//
// If p is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol failure.
func (p *Peer) Wait() error {
	if !p.waitTasks() {
		return nil // the peer is not running
	}

	// Clean up peer state so it can be garbage collected.
	p.μ.Lock()
	defer p.μ.Unlock()
	p.in = nil
	p.tasks = nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	p.ocall = nil
	p.icall = nil

	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// SendPacket sends a packet to the remote peer. Any error is protocol fatal.
// Any packet type can be sent, including reserved types. The caller is
// responsible for ensuring such packets have a valid payload.
func (p *Peer) SendPacket(ptype PacketType, payload []byte) error {
	return p.sendOut(&Packet{
		Type:    ptype,
		Payload: payload,
	})
}

// Call is a shorthand for Invoke with a request for the given operation on
// the default facet of id, with no context and normal mode.
func (p *Peer) Call(ctx context.Context, id Identity, op string, params []byte) (InvokeResult, error) {
	return p.Invoke(ctx, &Request{Identity: id, Operation: op, Params: params})
}

// Invoke sends req to the remote peer, and blocks until ctx ends or until the
// reply is received. The RequestID field of req is ignored; Invoke assigns a
// fresh one. If ctx ends before the peer replies, the request is canceled.
//
// If the servant completes normally or raises a user exception, Invoke
// reports an InvokeResult with ReturnValue set accordingly (see
// [InvokeResult.UserException]). Any other outcome is reported as an error
// with concrete type *CallError.
func (p *Peer) Invoke(ctx context.Context, req *Request) (_ InvokeResult, err error) {
	peerMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			peerMetrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := p.sendReq(req)
	if err != nil {
		return InvokeResult{}, callError(err)
	}
	peerMetrics.callPending.Add(1)
	defer peerMetrics.callPending.Add(-1)

	done := ctx.Done()
	for {
		select {
		case <-done:
			// The local context ended, push a cancellation to the peer, then
			// resume waiting for the reply. Set done to nil so that we will
			// not recur on this case.
			p.sendCancel(id)
			done = nil

			// Set a watchdog timer to ensure the call eventually gives up and
			// reports an error, even if we don't get a reply from the peer.
			ct := time.AfterFunc(50*time.Millisecond, func() {
				p.μ.Lock()
				defer p.μ.Unlock()

				// The call may have completed while we were waiting. If not,
				// keep the request ID reserved, since the peer has not yet
				// released it and reusing it would be reported as a duplicate.
				if pc, ok := p.ocall[id]; ok {
					p.ocall[id] = nil // pin the ID
					pc.deliver(&Reply{RequestID: id, Status: StatusCanceled})
				}
			})
			defer ct.Stop()
			continue

		case rep, ok := <-pc:
			if ok {
				return replyResult(rep)
			}

			// Closed without a reply means there was a protocol fatal error.
			p.waitTasks()
			p.μ.Lock()
			perr := p.err
			p.μ.Unlock()
			return InvokeResult{}, callError(fmt.Errorf("call terminated: %w", perr))
		}
	}
}

// InvokeOneway sends req to the remote peer as a oneway request, for which
// the remote peer sends no reply. It returns once the request is sent.
func (p *Peer) InvokeOneway(req *Request) error {
	peerMetrics.callOut.Add(1)
	r := *req
	r.RequestID = 0
	if err := p.sendOut(&Packet{Type: PacketRequest, Payload: r.Encode()}); err != nil {
		peerMetrics.callOutErr.Add(1)
		return callError(err)
	}
	return nil
}

// Exec dispatches req to the local servant that p's locator selects, without
// sending anything to the remote peer, and waits for it to complete. Its
// results are reported in the same way as those of Invoke.
func (p *Peer) Exec(ctx context.Context, req *Request) (InvokeResult, error) {
	r := *req
	r.RequestID = 0
	cur := NewCurrent(&r, p)
	pctx := context.WithValue(ctx, peerContextKey{}, p)

	f, err := p.dispatch(pctx, &r, cur)
	if err != nil {
		rep := p.replyFor(cur, nil, err, false)
		return replyResult(&rep)
	}
	body, err := f.Wait(ctx)
	if err != nil && errors.Is(err, ctx.Err()) {
		return InvokeResult{}, callError(err)
	}
	rep := p.replyFor(cur, body, err, false)
	return replyResult(&rep)
}

// Serve registers the locator used to find servants for inbound requests.
// It is safe to call this while the peer is running. Passing nil removes the
// locator, so that all requests fail with StatusObjectNotExist. Serve returns
// p to permit chaining.
func (p *Peer) Serve(loc Locator) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.loc = loc
	return p
}

// HandlePacket registers a callback that will be invoked whenever the remote
// peer sends a packet with the specified type. This method will panic if a
// reserved packet type is specified. Passing a nil callback removes any
// handler for the specified packet type. HandlePacket returns p to permit
// chaining.
//
// Packet handlers are invoked synchronously with the processing of packets
// sent by the remote peer, and there will be at most one packet handler active
// at a time. If a packet handler panics or reports an error, it is protocol
// fatal and will terminate the peer.
func (p *Peer) HandlePacket(ptype PacketType, handler PacketHandler) *Peer {
	if ptype <= maxReservedType {
		panic(fmt.Sprintf("cannot handle reserved packet type %d", ptype))
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	if p.pmux == nil {
		p.pmux = make(map[PacketType]PacketHandler)
	}
	if handler == nil {
		delete(p.pmux, ptype)
	} else {
		p.pmux[ptype] = handler
	}
	return p
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote peer, regardless of type, including packets to be
// discarded.
//
// Passing a nil callback disables packet logging. The packet logger is invoked
// synchronously with dispatch, prior to sending or calling a packet handler.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	if log == nil {
		p.plog.Store(nil)
	} else {
		p.plog.Store(&log)
	}
	return p
}

func (p *Peer) logPacket(pkt *Packet, sent bool) {
	if lp := p.plog.Load(); lp != nil {
		(*lp)(PacketInfo{Packet: pkt, Sent: sent})
	}
}

// Logger sets the logger used to report dispatch faults, timeouts, and
// discarded results. If log == nil, slog.Default() is used.
func (p *Peer) Logger(log *slog.Logger) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.log = log
	return p
}

// DispatchTimeout sets a limit on how long an inbound request may wait for
// its servant to complete. When the limit expires the peer replies with
// StatusUnknownLocalException, and the servant's eventual result is
// discarded. If d ≤ 0 there is no limit, which is the default.
func (p *Peer) DispatchTimeout(d time.Duration) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.dtime = max(d, 0)
	return p
}

// OnExit registers a callback to be invoked when the peer terminates.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// NewContext registers a function that will be called to create a new base
// context for servants and packet handlers. This allows request-specific host
// resources to be plumbed into a servant. If it is not set a background
// context is used.
func (p *Peer) NewContext(base func() context.Context) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if base == nil {
		p.base = context.Background
	} else {
		p.base = base
	}
	return p
}

// Log returns the logger used by p. If none has been set with Logger, it
// returns slog.Default().
func (p *Peer) Log() *slog.Logger { return p.logger() }

func (p *Peer) logger() *slog.Logger {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.log == nil {
		return slog.Default()
	}
	return p.log
}

// fail terminates all pending calls and updates the failure status.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()

	// Terminate all incomplete pending (outbound) calls.
	for _, pc := range p.ocall {
		pc.close()
	}
	p.ocall = nil

	// Cancel all incomplete active (inbound) dispatches. Their results will be
	// discarded when they complete.
	for _, fl := range p.icall {
		fl.cancel()
	}
	p.icall = nil

	p.err = err
	if p.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		p.onExit(err)
	}
}

func (p *Peer) sendRsp(rep *Reply) {
	if err := p.sendOut(&Packet{
		Type:    PacketReply,
		Payload: rep.Encode(),
	}); err != nil {
		p.closeOut()
	}
}

// sendReq sends a request packet for req with a fresh request ID.
// It blocks until the send completes, but does not wait for the reply.
// The reply will be delivered on the returned pending channel.
func (p *Peer) sendReq(req *Request) (uint32, pending, error) {
	// Phase 1: Check for fatal errors and acquire state.
	p.μ.Lock()
	if p.ocall == nil {
		p.μ.Unlock()
		return 0, nil, value.Cond(p.err != nil, p.err, net.ErrClosed)
	} else if err := p.err; err != nil {
		p.μ.Unlock()
		return 0, nil, err
	}
	p.nexto++
	id := p.nexto
	pc := make(pending, 1)
	p.ocall[id] = pc
	p.μ.Unlock()

	// Send the request to the remote peer. Note we MUST NOT hold the state lock
	// while doing this, as that will block the receiver from dispatching packets.
	r := *req
	r.RequestID = id
	err := p.sendOut(&Packet{
		Type:    PacketRequest,
		Payload: r.Encode(),
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	p.μ.Lock()
	defer p.μ.Unlock()
	if err != nil {
		p.releaseIDLocked(id)
		return 0, nil, err
	}
	return id, pc, nil
}

// sendCancel sends a cancellation for id to the remote peer.
func (p *Peer) sendCancel(id uint32) {
	if err := p.sendOut(&Packet{
		Type:    PacketCancel,
		Payload: Cancel{RequestID: id}.Encode(),
	}); err != nil {
		p.closeOut() // protocol fatal
	}
}

// inflight is the transport state of one inbound dispatch.
type inflight struct {
	req      *Request
	cur      *Current
	ctx      context.Context
	cancel   context.CancelFunc
	timer    atomic.Pointer[time.Timer] // set if the peer has a dispatch timeout
	finished atomic.Bool                // set when the reply slot is claimed
}

// dispatchRequestLocked starts an inbound request on its own goroutine.
// It reports an error back to the caller for a duplicate request ID.
func (p *Peer) dispatchRequestLocked(req *Request) error {
	peerMetrics.dispatchIn.Add(1)

	// Report duplicate request ID without failing the existing call.
	// Oneway requests (ID 0) are not tracked.
	if _, ok := p.icall[req.RequestID]; ok && req.RequestID != 0 {
		return p.sendOut(&Packet{
			Type: PacketReply,
			Payload: Reply{
				RequestID: req.RequestID,
				Status:    StatusDuplicateID,
			}.Encode(),
		})
	}

	pctx := context.WithValue(p.base(), peerContextKey{}, p)
	ctx, cancel := context.WithCancel(pctx)
	fl := &inflight{req: req, cur: NewCurrent(req, p), ctx: ctx, cancel: cancel}
	if req.RequestID != 0 {
		p.icall[req.RequestID] = fl
	}
	if p.dtime > 0 {
		d := p.dtime
		fl.timer.Store(time.AfterFunc(d, func() {
			if p.complete(fl, nil, &localError{fmt.Errorf("dispatch timed out after %v", d)}) {
				peerMetrics.dispatchTimeout.Add(1)
			}
		}))
	}
	peerMetrics.dispatchActive.Add(1)

	// The dispatch goroutine exits as soon as the servant returns its
	// completion handle; the reply is sent by the continuation.
	p.tasks.Go(func() error {
		rf, err := p.dispatch(ctx, req, fl.cur)
		if err != nil {
			p.complete(fl, nil, err)
			return nil
		}
		rf.OnComplete(func(body []byte, err error) { p.complete(fl, body, err) })
		return nil
	})
	return nil
}

// rejectRequest answers a request whose header is valid but whose input
// parameters could not be decoded. The request is not dispatched.
func (p *Peer) rejectRequest(req *Request, err error) error {
	peerMetrics.dispatchIn.Add(1)
	peerMetrics.dispatchUnknownErr.Add(1)
	p.logger().Warn("dispatch failed",
		"request", req.RequestID, "target", req.Identity, "op", req.Operation,
		"status", StatusUnknownLocalException, "err", err)
	if req.RequestID == 0 {
		return nil
	}
	return p.sendOut(&Packet{
		Type: PacketReply,
		Payload: Reply{
			RequestID: req.RequestID,
			Status:    StatusUnknownLocalException,
			Data:      encodeMessage(err.Error()),
		}.Encode(),
	})
}

// dispatch locates the servant for cur and dispatches req to it.  A panic out
// of the locator or the servant is converted into an error.
func (p *Peer) dispatch(ctx context.Context, req *Request, cur *Current) (_ *Future[[]byte], err error) {
	defer func() {
		if x := recover(); x != nil {
			err = &localError{fmt.Errorf("servant panicked (recovered): %v", x)}
		}
	}()

	p.μ.Lock()
	loc := p.loc
	p.μ.Unlock()
	if loc == nil {
		return nil, Failed(ObjectNotExist, cur)
	}
	srv, err := loc.Locate(cur)
	if err != nil {
		return nil, err
	} else if srv == nil {
		return nil, Failed(ObjectNotExist, cur)
	}
	return Dispatch(ctx, NewIncoming(req), srv, cur)
}

// complete records the outcome of an inbound dispatch and sends its reply.
// Only the first call for a given dispatch has any effect; later outcomes
// (for example, a servant completing after a timeout) are discarded.
// complete reports whether this call claimed the outcome.
func (p *Peer) complete(fl *inflight, body []byte, err error) bool {
	if !fl.finished.CompareAndSwap(false, true) {
		p.logger().Debug("discarding late dispatch result",
			"request", fl.req.RequestID, "target", fl.cur.Identity(), "op", fl.cur.Operation())
		return false
	}
	if t := fl.timer.Load(); t != nil {
		t.Stop()
	}
	canceled := fl.ctx.Err() != nil
	fl.cancel()
	peerMetrics.dispatchActive.Add(-1)

	// A two-way dispatch is removed from the table when the peer fails, so if
	// it is no longer there the reply has nowhere to go.
	p.μ.Lock()
	id := fl.req.RequestID
	live := id != 0 && p.icall[id] == fl
	if live {
		delete(p.icall, id)
	}
	p.μ.Unlock()

	rep := p.replyFor(fl.cur, body, err, canceled)
	switch rep.Status {
	case StatusOK:
	case StatusUserException:
		peerMetrics.dispatchUserErr.Add(1)
	case StatusUnknownException, StatusUnknownLocalException, StatusUnknownUserException:
		peerMetrics.dispatchUnknownErr.Add(1)
		p.logger().Warn("dispatch failed",
			"request", fl.req.RequestID, "target", fl.cur.Identity(), "op", fl.cur.Operation(),
			"status", rep.Status, "err", err)
	}

	if live {
		rep.RequestID = id
		p.sendRsp(&rep)
	} // else oneway, or the peer has failed
	return true
}

// replyFor converts the outcome of a dispatch into a reply. The reply body is
// used when err == nil; otherwise err is classified by type.
func (p *Peer) replyFor(cur *Current, body []byte, err error, canceled bool) Reply {
	rep := Reply{RequestID: cur.RequestID()}

	// N.B. Only check for the unwrapped context sentinels, so that a servant
	// that fails because a call it made was canceled reports that failure.
	if canceled || err == context.Canceled || err == context.DeadlineExceeded {
		rep.Status = StatusCanceled
		return rep
	} else if err == nil {
		if len(body) == 0 {
			rep.Status = StatusUnknownLocalException
			rep.Data = encodeMessage("empty reply body")
			return rep
		}
		rep.Status = ReplyStatus(body[0])
		rep.Data = body[1:]
		return rep
	}

	var rf *RequestFailedError
	var le *localError
	var ux *UnknownException
	if ue, ok := IsUserException(err); ok {
		if ue.TypeID == "" {
			rep.Status = StatusUnknownUserException
			rep.Data = encodeMessage("user exception has no type ID")
		} else {
			out, _ := ue.MarshalBinary()
			rep.Status = StatusUserException
			rep.Data = wire.Encapsulate(cur.Encoding(), out)
		}
	} else if errors.As(err, &rf) {
		rep.Status = ReplyStatus(rf.Kind) + StatusUserException // 1 → 2, 2 → 3, 3 → 4
		rep.Data = encodeTarget(rf.Identity, rf.Facet, rf.Operation)
	} else if errors.As(err, &le) {
		rep.Status = StatusUnknownLocalException
		rep.Data = encodeMessage(err.Error())
	} else if errors.As(err, &ux) && ux.Message != "" {
		rep.Status = StatusUnknownException
		rep.Data = encodeMessage(ux.Message)
	} else {
		rep.Status = StatusUnknownException
		rep.Data = encodeMessage(err.Error())
	}
	return rep
}

// replyResult converts a reply into the result reported by Invoke.
func replyResult(rep *Reply) (InvokeResult, error) {
	switch rep.Status {
	case StatusOK, StatusUserException:
		_, data, err := wire.Decapsulate(rep.Data)
		if err != nil {
			return InvokeResult{}, &CallError{Err: fmt.Errorf("invalid reply: %w", err), Reply: rep}
		}
		return InvokeResult{ReturnValue: rep.Status == StatusOK, OutParams: data}, nil

	case StatusCanceled:
		return InvokeResult{}, &CallError{Err: context.Canceled, Reply: rep}

	case StatusObjectNotExist, StatusFacetNotExist, StatusOperationNotExist:
		ce := &CallError{Reply: rep}
		id, facet, op, err := decodeTarget(rep.Data)
		if err != nil {
			ce.Message = err.Error()
		} else {
			ce.Err = &RequestFailedError{
				Kind:      FailureKind(rep.Status - StatusUserException),
				Identity:  id,
				Facet:     facet,
				Operation: op,
			}
		}
		return InvokeResult{}, ce

	case StatusUnknownLocalException, StatusUnknownUserException, StatusUnknownException:
		ce := &CallError{Reply: rep}
		if msg, err := wire.VGet[string](wire.NewScanner(rep.Data)); err == nil {
			ce.Message = msg
		} else {
			ce.Message = err.Error()
		}
		return InvokeResult{}, ce

	default:
		return InvokeResult{}, &CallError{Reply: rep}
	}
}

// dispatchPacket routes an inbound packet from the remote peer.
// Any error it reports is protocol fatal.
func (p *Peer) dispatchPacket(pkt *Packet) error {
	p.logPacket(pkt, false)
	if pkt.Protocol != 0 {
		peerMetrics.packetDropped.Add(1)
		return nil // ignore packets from a protocol version we don't speak
	}
	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			var pe *ParamsError
			if !errors.As(err, &pe) {
				return fmt.Errorf("invalid request packet: %w", err)
			}
			return p.rejectRequest(&req, pe)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		return p.dispatchRequestLocked(&req)

	case PacketCancel:
		var req Cancel
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		peerMetrics.cancelIn.Add(1)
		p.μ.Lock()
		defer p.μ.Unlock()

		// If there is a dispatch in flight for this request, signal it to stop.
		// The completion path figures out how to reply and clean up.
		if fl, ok := p.icall[req.RequestID]; ok {
			fl.cancel()
		}
		return nil

	case PacketReply:
		var rep Reply
		if err := rep.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid reply packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()

		pc, ok := p.ocall[rep.RequestID]
		if !ok {
			// Silently discard reply for unknown request ID.
			return nil
		}

		p.releaseIDLocked(rep.RequestID)
		pc.deliver(&rep) // does not block

	default:
		p.μ.Lock()
		handler, ok := p.pmux[pkt.Type]
		base := p.base
		p.μ.Unlock()
		if !ok {
			peerMetrics.packetDropped.Add(1)
			break // ignore the packet
		}

		pctx := context.WithValue(base(), peerContextKey{}, p)
		return func() (err error) {
			// Ensure a panic out of a packet handler is turned into a protocol fatal.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("packet handler panicked (recovered): %v", x)
				}
			}()
			return handler(pctx, pkt)
		}()
	}
	return nil
}

// releaseIDLocked releases the call state for the specified outbound request id.
func (p *Peer) releaseIDLocked(id uint32) {
	delete(p.ocall, id)
	if len(p.ocall) == 0 {
		p.nexto = 0
	}
}

// sendOut writes one complete packet to the channel. Holding the out lock for
// the whole write keeps concurrently completed replies from interleaving.
func (p *Peer) sendOut(pkt *Packet) error {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return net.ErrClosed
	}
	peerMetrics.packetSent.Add(1)
	p.logPacket(pkt, true)
	return p.out.ch.Send(pkt)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

type pending chan *Reply

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Reply) {
	if p != nil {
		p <- r
		close(p)
	}
}

// NewIncoming returns an [Incoming] for req. Its ReadParamEncaps returns the
// Params of req once, and its WriteParamEncaps encapsulates results in the
// encoding of req.
func NewIncoming(req *Request) Incoming {
	return &incoming{params: req.Params, enc: req.encodingOrDefault()}
}

type incoming struct {
	params []byte
	enc    wire.Encoding
	read   bool
}

func (in *incoming) ReadParamEncaps() ([]byte, error) {
	if in.read {
		return nil, errors.New("input parameters already consumed")
	}
	in.read = true
	return in.params, nil
}

// WriteParamEncaps returns a reply body: a status byte followed by an
// encapsulation of outParams.
func (in *incoming) WriteParamEncaps(outParams []byte, ok bool) []byte {
	var b wire.Builder
	b.Grow(1 + wire.EncapsHeaderLen + len(outParams))
	b.Put(byte(value.Cond(ok, StatusOK, StatusUserException)))
	b.Encaps(in.enc, outParams)
	return b.Bytes()
}

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by the Invoke and Exec
// methods of a Peer.
//
// If the failure was reported by the remote peer, Reply is the complete reply
// and Status reports its status. For routing failures Err is a
// *RequestFailedError, for cancellation it is context.Canceled, and for
// unknown exceptions Message carries the diagnostic from the remote peer.
// For local failures Reply is nil and Err is the cause.
type CallError struct {
	Message string
	Err     error
	Reply   *Reply // set if the error came from a reply
}

// Status reports the reply status for c, or StatusOK if c did not come from
// a reply.
func (c *CallError) Status() ReplyStatus {
	if c.Reply == nil {
		return StatusOK
	}
	return c.Reply.Status
}

// Unwrap reports the underlying error of c, which may be nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	} else if c.Reply == nil {
		return "call failed"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "request %d: %v", c.Reply.RequestID, c.Reply.Status)
	if c.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(c.Message)
	}
	return sb.String()
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with the given context, or nil if
// none is defined. The context passed to a servant has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
