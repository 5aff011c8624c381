// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package blobject

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/blobject/wire"
)

// Packet is the parsed format of a protocol packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'B', 'J', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if m := string(buf[:2]); m != "BJ" {
		return int64(nr), fmt.Errorf("invalid protocol magic %q", m)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])
	p.Payload = nil

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// UnmarshalBinary decodes a complete binary packet from data.
// It implements encoding.BinaryUnmarshaler.
func (p *Packet) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if _, err := p.ReadFrom(r); err != nil {
		return err
	} else if r.Len() != 0 {
		return fmt.Errorf("extra data after packet (%d bytes)", r.Len())
	}
	return nil
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketCancel:
		var can Cancel
		if err := can.UnmarshalBinary(p.Payload); err == nil {
			pay = can.String()
		}
	case PacketReply:
		var rep Reply
		if err := rep.UnmarshalBinary(p.Payload); err == nil {
			pay = rep.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(BJ%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a packet.
//
// Packet types 0 to 127 inclusive are reserved by the protocol. Types 128 to
// 255 are available to the application (see [Peer.HandlePacket]).
type PacketType byte

const (
	PacketRequest PacketType = 2 // a request to invoke an operation
	PacketCancel  PacketType = 3 // a cancellation signal for a pending request
	PacketReply   PacketType = 4 // the final reply to a request

	maxReservedType = 127
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketReply:
		return "REPLY"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Request is the payload format for a request packet.
//
// A RequestID of 0 marks a oneway request, for which no reply is sent.
type Request struct {
	RequestID uint32
	Identity  Identity
	Facet     string
	Operation string
	Mode      OperationMode
	Context   map[string]string
	Encoding  wire.Encoding // if zero, wire.Encoding11 is used
	Params    []byte        // payload of the input encapsulation
}

func (r *Request) encodingOrDefault() wire.Encoding {
	if r.Encoding == (wire.Encoding{}) {
		return wire.Encoding11
	}
	return r.Encoding
}

// Encode encodes the request in binary format.
func (r Request) Encode() []byte {
	var b wire.Builder
	b.Grow(4 + 5 + len(r.Identity.Name) + len(r.Identity.Category) + len(r.Facet) + len(r.Operation) +
		wire.EncapsHeaderLen + len(r.Params))
	b.Uint32(r.RequestID)
	b.VPutString(r.Identity.Name)
	b.VPutString(r.Identity.Category)
	b.VPutString(r.Facet)
	b.VPutString(r.Operation)
	b.Put(byte(r.Mode))
	b.Dict(r.Context)
	b.Encaps(r.encodingOrDefault(), r.Params)
	return b.Bytes()
}

// UnmarshalBinary decodes data into a request payload. The Params field of
// the result aliases data. It implements encoding.BinaryUnmarshaler.
func (r *Request) UnmarshalBinary(data []byte) error {
	s := wire.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	var fields [4]string
	for i := range fields {
		fields[i], err = wire.VGet[string](s)
		if err != nil {
			return fmt.Errorf("invalid request header at offset %d: %w", s.Offset(), noEOF(err))
		}
	}
	mode, err := s.Byte()
	if err != nil {
		return fmt.Errorf("missing request mode: %w", err)
	} else if m := OperationMode(mode); m != Normal && m != Idempotent {
		return fmt.Errorf("invalid request mode %d", mode)
	}
	ctx, err := s.Dict()
	if err != nil {
		return fmt.Errorf("invalid request context: %w", err)
	}
	*r = Request{
		RequestID: id,
		Identity:  Identity{Name: fields[0], Category: fields[1]},
		Facet:     fields[2],
		Operation: fields[3],
		Mode:      OperationMode(mode),
		Context:   ctx,
	}

	enc, params, err := s.Encaps()
	if err != nil {
		return &ParamsError{Err: err}
	} else if s.Len() != 0 {
		return &ParamsError{Err: fmt.Errorf("extra data after request (%d bytes)", s.Len())}
	}
	r.Encoding = enc
	if len(params) != 0 {
		r.Params = params
	}
	return nil
}

// ParamsError is reported by [Request.UnmarshalBinary] when the request
// header is valid but its input encapsulation is not. In that case the header
// fields of the request are populated, so the request can still be answered.
type ParamsError struct {
	Err error
}

func (e *ParamsError) Error() string { return "invalid input parameters: " + e.Err.Error() }

func (e *ParamsError) Unwrap() error { return e.Err }

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, %v, Facet=%q, Op=%q, Params=%+v)",
		r.RequestID, r.Identity, r.Facet, r.Operation, r.Params)
}

// Reply is the payload format for a reply packet.
//
// For StatusOK and StatusUserException the Data field is an encapsulation.
// For the request-failed statuses it describes the target (see
// [RequestFailedError]), and for the unknown-exception statuses it is a
// length-prefixed diagnostic message. Other statuses carry no data.
type Reply struct {
	RequestID uint32
	Status    ReplyStatus
	Data      []byte
}

// Encode encodes the reply in binary format.
func (r Reply) Encode() []byte {
	buf := make([]byte, 5+len(r.Data)) // 4 request ID, 1 status
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	buf[4] = byte(r.Status)
	copy(buf[5:], r.Data)
	return buf
}

// UnmarshalBinary decodes data into a reply payload. The Data field of the
// result aliases data. It implements encoding.BinaryUnmarshaler.
func (r *Reply) UnmarshalBinary(data []byte) error {
	if len(data) < 5 { // 4 request ID, 1 status
		return fmt.Errorf("short reply payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	r.Status = ReplyStatus(data[4])
	if !r.Status.valid() {
		return fmt.Errorf("invalid reply status %d", r.Status)
	}
	if len(data[5:]) > 0 {
		r.Data = data[5:]
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the reply.
func (r Reply) String() string {
	var data string
	switch r.Status {
	case StatusUnknownLocalException, StatusUnknownUserException, StatusUnknownException:
		if msg, err := wire.VGet[string](wire.NewScanner(r.Data)); err == nil {
			data = fmt.Sprintf("Message=%q", msg)
		}
	}
	if data == "" {
		if len(r.Data) > 16 {
			data = fmt.Sprintf("Data=%+v ...", r.Data[:16])
		} else {
			data = fmt.Sprintf("Data=%+v", r.Data)
		}
	}
	return fmt.Sprintf("Reply(ID=%v, Status=%v, %s)", r.RequestID, r.Status, data)
}

// ReplyStatus describes the outcome of a completed request.
type ReplyStatus byte

const (
	StatusOK                    ReplyStatus = 0 // normal result
	StatusUserException         ReplyStatus = 1 // declared user exception
	StatusObjectNotExist        ReplyStatus = 2 // no servant for the identity
	StatusFacetNotExist         ReplyStatus = 3 // no servant for the facet
	StatusOperationNotExist     ReplyStatus = 4 // servant lacks the operation
	StatusUnknownLocalException ReplyStatus = 5 // the runtime failed
	StatusUnknownUserException  ReplyStatus = 6 // user exception could not be encoded
	StatusUnknownException      ReplyStatus = 7 // undeclared servant failure
	StatusCanceled              ReplyStatus = 8 // request was canceled
	StatusDuplicateID           ReplyStatus = 9 // duplicate request ID
)

func (s ReplyStatus) valid() bool { return s <= StatusDuplicateID }

func (s ReplyStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusUserException:
		return "USER_EXCEPTION"
	case StatusObjectNotExist:
		return "OBJECT_NOT_EXIST"
	case StatusFacetNotExist:
		return "FACET_NOT_EXIST"
	case StatusOperationNotExist:
		return "OPERATION_NOT_EXIST"
	case StatusUnknownLocalException:
		return "UNKNOWN_LOCAL_EXCEPTION"
	case StatusUnknownUserException:
		return "UNKNOWN_USER_EXCEPTION"
	case StatusUnknownException:
		return "UNKNOWN_EXCEPTION"
	case StatusCanceled:
		return "CANCELED"
	case StatusDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	default:
		return fmt.Sprintf("reply status %d", byte(s))
	}
}

// Cancel is the payload format for a cancel packet.
type Cancel struct {
	RequestID uint32
}

// Encode encodes the cancel request data in binary format.
func (c Cancel) Encode() []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], c.RequestID)
	return buf[:]
}

// UnmarshalBinary decodes data into a cancel payload.
// It implements encoding.BinaryUnmarshaler.
func (c *Cancel) UnmarshalBinary(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

// String returns a human-friendly rendering of the cancellation.
func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%v)", c.RequestID) }

// encodeTarget encodes the body of a request-failed reply.
func encodeTarget(id Identity, facet, op string) []byte {
	var b wire.Builder
	b.VPutString(id.Name)
	b.VPutString(id.Category)
	b.VPutString(facet)
	b.VPutString(op)
	return b.Bytes()
}

// decodeTarget decodes the body of a request-failed reply.
func decodeTarget(data []byte) (id Identity, facet, op string, err error) {
	s := wire.NewScanner(data)
	var fields [4]string
	for i := range fields {
		fields[i], err = wire.VGet[string](s)
		if err != nil {
			return id, "", "", fmt.Errorf("invalid failure target: %w", noEOF(err))
		}
	}
	return Identity{Name: fields[0], Category: fields[1]}, fields[2], fields[3], nil
}

// encodeMessage encodes the body of an unknown-exception reply. The message
// is truncated to keep the body a reasonable size.
func encodeMessage(msg string) []byte {
	var b wire.Builder
	b.VPutString(truncate(msg, maxMessageLen))
	return b.Bytes()
}

const maxMessageLen = 65535

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes. If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
