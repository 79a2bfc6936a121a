package preview

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Control message type IDs. Subscribe, SubscribeOK, SubscribeError and
// Unsubscribe keep their MoQ Transport numbering; Catalog is preview-only.
const (
	msgSubscribe      uint64 = 0x03
	msgSubscribeOK    uint64 = 0x04
	msgSubscribeError uint64 = 0x05
	msgUnsubscribe    uint64 = 0x0a
	msgCatalog        uint64 = 0x40
)

// Subscribe error codes.
const (
	errCodeInternal     uint64 = 0x00
	errCodeUnknownTrack uint64 = 0x04
)

// maxPayload is the largest control payload the 16-bit length can carry.
const maxPayload = 1<<16 - 1

var (
	// ErrUnknownTrack is returned when a subscription names a track the
	// server does not publish.
	ErrUnknownTrack = errors.New("preview: unknown track")
	// ErrPayloadTooLarge is returned for control payloads over 64 KiB.
	ErrPayloadTooLarge = errors.New("preview: control payload too large")
)

// ParseError records which control message field failed to parse.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string { return fmt.Sprintf("preview: parse %s: %v", e.Field, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

type subscribeMsg struct {
	RequestID uint64
	Track     string
}

type subscribeOKMsg struct {
	RequestID  uint64
	TrackAlias uint64
}

type subscribeErrorMsg struct {
	RequestID uint64
	Code      uint64
	Reason    string
}

// readControl reads one [type varint][length uint16][payload] message.
func readControl(r *bufio.Reader) (uint64, []byte, error) {
	msgType, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read message payload: %w", err)
	}
	return msgType, payload, nil
}

// writeControl writes a control message in a single Write.
func writeControl(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > maxPayload {
		return ErrPayloadTooLarge
	}
	buf := quicvarint.Append(nil, msgType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func (m subscribeMsg) encode() []byte {
	buf := quicvarint.Append(nil, m.RequestID)
	return appendString(buf, m.Track)
}

func parseSubscribe(data []byte) (subscribeMsg, error) {
	r := &bufReader{data: data}
	var m subscribeMsg
	var err error
	if m.RequestID, err = r.varint(); err != nil {
		return m, &ParseError{Field: "request_id", Err: err}
	}
	track, err := r.bytes()
	if err != nil {
		return m, &ParseError{Field: "track_name", Err: err}
	}
	m.Track = string(track)
	return m, nil
}

func (m subscribeOKMsg) encode() []byte {
	buf := quicvarint.Append(nil, m.RequestID)
	return quicvarint.Append(buf, m.TrackAlias)
}

func parseSubscribeOK(data []byte) (subscribeOKMsg, error) {
	r := &bufReader{data: data}
	var m subscribeOKMsg
	var err error
	if m.RequestID, err = r.varint(); err != nil {
		return m, &ParseError{Field: "request_id", Err: err}
	}
	if m.TrackAlias, err = r.varint(); err != nil {
		return m, &ParseError{Field: "track_alias", Err: err}
	}
	return m, nil
}

func (m subscribeErrorMsg) encode() []byte {
	buf := quicvarint.Append(nil, m.RequestID)
	buf = quicvarint.Append(buf, m.Code)
	return appendString(buf, m.Reason)
}

func parseSubscribeError(data []byte) (subscribeErrorMsg, error) {
	r := &bufReader{data: data}
	var m subscribeErrorMsg
	var err error
	if m.RequestID, err = r.varint(); err != nil {
		return m, &ParseError{Field: "request_id", Err: err}
	}
	if m.Code, err = r.varint(); err != nil {
		return m, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.bytes()
	if err != nil {
		return m, &ParseError{Field: "reason", Err: err}
	}
	m.Reason = string(reason)
	return m, nil
}

func encodeUnsubscribe(requestID uint64) []byte { return quicvarint.Append(nil, requestID) }

func parseUnsubscribe(data []byte) (uint64, error) {
	r := &bufReader{data: data}
	id, err := r.varint()
	if err != nil {
		return 0, &ParseError{Field: "request_id", Err: err}
	}
	return id, nil
}

func appendString(buf []byte, s string) []byte {
	buf = quicvarint.Append(buf, uint64(len(s)))
	return append(buf, s...)
}

// bufReader reads varints and length-prefixed fields from a payload.
type bufReader struct {
	data []byte
	pos  int
}

func (b *bufReader) varint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return v, nil
}

func (b *bufReader) bytes() ([]byte, error) {
	n, err := b.varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(b.data)-b.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos : b.pos+int(n)]
	b.pos += int(n)
	return v, nil
}
