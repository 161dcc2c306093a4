package keyholder

import (
	"encoding/binary"
	"io"
	"math/big"
)

// agentMessageCode identifies the kind of an agent protocol message, as
// carried in the first byte of a frame's payload.
type agentMessageCode byte

// Request codes sent by clients. Codes not in this set are recognized by
// the wire format but answered with a generic FAILURE; see handleConn.
const (
	agentRequestIdentities   agentMessageCode = 11
	agentSignRequest         agentMessageCode = 13
	agentAddIdentity         agentMessageCode = 17
	agentRemoveIdentity      agentMessageCode = 18
	agentRemoveAllIdentities agentMessageCode = 19
	agentLock                agentMessageCode = 22
	agentUnlock              agentMessageCode = 23
)

// Response codes emitted by the server.
const (
	agentFailure          agentMessageCode = 5
	agentSuccess          agentMessageCode = 6
	agentIdentitiesAnswer agentMessageCode = 12
	agentSignResponse     agentMessageCode = 14
)

// maxMessageLength is the largest payload (including the leading code
// byte) the codec will allocate a buffer for. Declared lengths beyond
// this are rejected before any allocation, per the oversize-rejection
// property.
const maxMessageLength = 256 * 1024

// sshMsgUserAuthRequest is the SSH_MSG_USERAUTH_REQUEST message number,
// which must be the second field of a valid sign-request payload.
const sshMsgUserAuthRequest = 50

// ProtocolError reports a malformed frame or inner structure. It is
// always recovered locally: the current request is answered with
// FAILURE and the connection continues.
type ProtocolError string

func (e ProtocolError) Error() string { return string(e) }

// readFrame reads one length-prefixed agent protocol message from r and
// splits it into its message code and body. It returns io.EOF (or the
// underlying read error, unmodified) when the stream has ended or the
// transport has failed, and a [ProtocolError] when the frame itself is
// malformed.
func readFrame(r io.Reader) (agentMessageCode, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 1 {
		return 0, nil, ProtocolError("frame has no payload")
	}
	if length > maxMessageLength {
		return 0, nil, ProtocolError("frame exceeds maximum message length")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return agentMessageCode(payload[0]), payload[1:], nil
}

// writeFrame writes a single length-prefixed agent protocol message to w.
func writeFrame(w io.Writer, code agentMessageCode, body []byte) error {
	frame := make([]byte, 0, 5+len(body))
	frame = appendUint32(frame, uint32(1+len(body)))
	frame = append(frame, byte(code))
	frame = append(frame, body...)
	_, err := w.Write(frame)
	return err
}

// cursor is a forward-only reader over a message body, used to pull out
// the length-prefixed fields of agent protocol structures. Every read
// method fails closed: a short buffer is a [ProtocolError], never a
// partial result.
type cursor struct {
	buf []byte
}

func newCursor(b []byte) *cursor { return &cursor{buf: b} }

func (c *cursor) atEnd() bool { return len(c.buf) == 0 }

func (c *cursor) readByte() (byte, error) {
	if len(c.buf) < 1 {
		return 0, ProtocolError("truncated message")
	}
	b := c.buf[0]
	c.buf = c.buf[1:]
	return b, nil
}

func (c *cursor) readBool() (bool, error) {
	b, err := c.readByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (c *cursor) readUint32() (uint32, error) {
	if len(c.buf) < 4 {
		return 0, ProtocolError("truncated message")
	}
	v := binary.BigEndian.Uint32(c.buf[:4])
	c.buf = c.buf[4:]
	return v, nil
}

func (c *cursor) readBytes(n int) ([]byte, error) {
	if n < 0 || len(c.buf) < n {
		return nil, ProtocolError("truncated message")
	}
	b := c.buf[:n]
	c.buf = c.buf[n:]
	return b, nil
}

// readString reads a 32-bit length-prefixed byte string, the SSH wire
// encoding used for both binary blobs and UTF-8 text.
func (c *cursor) readString() ([]byte, error) {
	n, err := c.readUint32()
	if err != nil {
		return nil, err
	}
	return c.readBytes(int(n))
}

// readMPInt reads an SSH mpint: a length-prefixed two's-complement
// big-endian integer. Callers in this package only ever decode the
// non-negative RSA key components, so the magnitude is taken directly.
func (c *cursor) readMPInt() (*big.Int, error) {
	b, err := c.readString()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendString(buf []byte, s []byte) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// appendMPInt encodes n as an SSH mpint. It is used only by tests to
// construct ADD_IDENTITY payloads; the server never emits RSA key
// material back over the wire.
func appendMPInt(buf []byte, n *big.Int) []byte {
	if n.Sign() == 0 {
		return appendUint32(buf, 0)
	}
	b := n.Bytes()
	if b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return appendString(buf, b)
}

// encodeIdentities builds the payload of an IDENTITIES_ANSWER message.
func encodeIdentities(keys []*LoadedKey) []byte {
	buf := appendUint32(nil, uint32(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k.blob)
		buf = appendString(buf, []byte(k.comment))
	}
	return buf
}

// encodeSignature builds the payload of a SIGN_RESPONSE message: one
// length-prefixed blob of algorithm-tag || raw-signature.
func encodeSignature(format string, blob []byte) []byte {
	inner := appendString(nil, []byte(format))
	inner = appendString(inner, blob)
	return appendString(nil, inner)
}

// validateUserAuthPayload verifies that data parses as an SSH
// SSH_MSG_USERAUTH_REQUEST public-key-authentication payload: session
// id, message type, user name, service name, the literal "publickey", a
// boolean true, an algorithm name, and a public-key blob, with no
// trailing bytes. Refusing to sign anything else is deliberately
// stricter than the baseline agent protocol.
func validateUserAuthPayload(data []byte) error {
	c := newCursor(data)
	if _, err := c.readString(); err != nil { // session id
		return err
	}
	mtype, err := c.readByte()
	if err != nil {
		return err
	}
	if mtype != sshMsgUserAuthRequest {
		return ProtocolError("sign request payload is not a userauth request")
	}
	if _, err := c.readString(); err != nil { // user name
		return err
	}
	if _, err := c.readString(); err != nil { // service name
		return err
	}
	method, err := c.readString()
	if err != nil {
		return err
	}
	if string(method) != "publickey" {
		return ProtocolError("sign request payload does not use the publickey method")
	}
	hasSig, err := c.readBool()
	if err != nil {
		return err
	}
	if !hasSig {
		return ProtocolError("sign request payload does not carry a signature flag")
	}
	if _, err := c.readString(); err != nil { // algorithm name
		return err
	}
	if _, err := c.readString(); err != nil { // public key blob
		return err
	}
	if !c.atEnd() {
		return ProtocolError("sign request payload has trailing data")
	}
	return nil
}
