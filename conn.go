package keyholder

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os/user"
	"strconv"

	"golang.org/x/crypto/ssh"

	"github.com/wikimedia/keyholderd/internal/creds"
)

// PeerIdentity is the user name and group membership of a connection's
// peer, resolved once at connection setup from kernel-reported socket
// credentials. It does not change for the life of the connection.
type PeerIdentity struct {
	User   string
	Groups map[string]struct{}
}

// peerIdentity resolves the identity of the process on the other end of
// conn: its uid is mapped to a user name, and the full supplementary
// group list for that user is gathered.
func peerIdentity(conn *net.UnixConn) (*PeerIdentity, error) {
	cred, err := creds.Peer(conn)
	if err != nil {
		return nil, fmt.Errorf("peer credentials: %w", err)
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(cred.UID), 10))
	if err != nil {
		return nil, fmt.Errorf("resolve uid %d: %w", cred.UID, err)
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("group list for %s: %w", u.Username, err)
	}
	groups := make(map[string]struct{}, len(gids))
	for _, gid := range gids {
		g, err := user.LookupGroupId(gid)
		if err != nil {
			continue
		}
		groups[g.Name] = struct{}{}
	}
	return &PeerIdentity{User: u.Username, Groups: groups}, nil
}

// conn is the per-connection state for a single client: its peer
// identity and a handle back to the server's shared state.
type conn struct {
	peer   *PeerIdentity
	server *Server
}

// isAllowed reports whether the connection's peer may sign with or
// enumerate the key with fingerprint fp: the agent must be unlocked,
// and the peer must either be root or belong to one of the groups the
// policy cache permits for fp.
func (c *conn) isAllowed(fp Fingerprint) bool {
	if c.server.lock.Locked() {
		return false
	}
	if c.peer.User == rootUser {
		return true
	}
	allowed := c.server.policy.Groups(fp)
	for g := range c.peer.Groups {
		if _, ok := allowed[g]; ok {
			return true
		}
	}
	return false
}

// handlerFunc is the signature of a per-request-code handler: given the
// request body, it returns the response code and payload to send back.
type handlerFunc func(*conn, []byte) (agentMessageCode, []byte)

// handlers is the explicit dispatch table keyed by request code. Codes
// absent from the table are answered with a generic FAILURE by
// handleConn, matching handleNotImplemented in the original daemon.
var handlers = map[agentMessageCode]handlerFunc{
	agentRequestIdentities:   (*conn).handleRequestIdentities,
	agentAddIdentity:         (*conn).handleAddIdentity,
	agentRemoveIdentity:      (*conn).handleRemoveIdentity,
	agentRemoveAllIdentities: (*conn).handleRemoveAllIdentities,
	agentSignRequest:         (*conn).handleSignRequest,
	agentLock:                (*conn).handleLock,
	agentUnlock:              (*conn).handleUnlock,
}

// handleConn runs the serving loop for one connection: read a request,
// dispatch it, write a response, repeat until the stream ends or a
// transport error occurs.
func (s *Server) handleConn(rw io.ReadWriter, peer *PeerIdentity) error {
	c := &conn{peer: peer, server: s}
	for {
		code, body, err := readFrame(rw)
		if err != nil {
			var perr ProtocolError
			if errors.As(err, &perr) {
				s.logf("protocol error from %s: %v", peer.User, perr)
				if werr := writeFrame(rw, agentFailure, nil); werr != nil {
					return werr
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		h, ok := handlers[code]
		var respCode agentMessageCode
		var respBody []byte
		if !ok {
			s.logf("request type %d not implemented", code)
			respCode, respBody = agentFailure, nil
		} else {
			respCode, respBody = h(c, body)
		}

		if err := writeFrame(rw, respCode, respBody); err != nil {
			return err
		}
	}
}

func (c *conn) handleRequestIdentities(_ []byte) (agentMessageCode, []byte) {
	var allowed []*LoadedKey
	for _, key := range c.server.store.Snapshot() {
		if c.isAllowed(key.Fingerprint()) {
			allowed = append(allowed, key)
		}
	}
	return agentIdentitiesAnswer, encodeIdentities(allowed)
}

func (c *conn) handleAddIdentity(body []byte) (agentMessageCode, []byte) {
	if c.peer.User != rootUser {
		c.server.logf("add identity: denied for non-root user %s", c.peer.User)
		return agentFailure, nil
	}

	cur := newCursor(body)
	algo, err := cur.readString()
	if err != nil {
		return agentFailure, nil
	}

	var signer ssh.Signer
	var raw zeroer
	switch string(algo) {
	case ssh.KeyAlgoRSA:
		signer, raw, err = parseRSAIdentity(cur, c.server.logf)
	case ssh.KeyAlgoED25519:
		signer, raw, err = parseEd25519Identity(cur)
	default:
		err = ProtocolError(fmt.Sprintf("unsupported key type %q", algo))
	}
	if err != nil {
		c.server.logf("add identity: %v", err)
		return agentFailure, nil
	}

	comment, err := cur.readString()
	if err != nil || !cur.atEnd() {
		return agentFailure, nil
	}

	key := newLoadedKey(signer, raw, string(comment))
	c.server.store.Insert(key)
	c.server.logf("added key %q for user %s", key.Comment(), c.peer.User)
	return agentSuccess, nil
}

func (c *conn) handleRemoveIdentity(body []byte) (agentMessageCode, []byte) {
	if c.peer.User != rootUser {
		c.server.logf("remove identity: denied for non-root user %s", c.peer.User)
		return agentFailure, nil
	}
	cur := newCursor(body)
	blob, err := cur.readString()
	if err != nil || !cur.atEnd() {
		return agentFailure, nil
	}
	if !c.server.store.Remove(fingerprintOf(blob)) {
		return agentFailure, nil
	}
	return agentSuccess, nil
}

func (c *conn) handleRemoveAllIdentities(_ []byte) (agentMessageCode, []byte) {
	if c.peer.User != rootUser {
		c.server.logf("remove all identities: denied for non-root user %s", c.peer.User)
		return agentFailure, nil
	}
	c.server.store.Clear()
	return agentSuccess, nil
}

func (c *conn) handleSignRequest(body []byte) (agentMessageCode, []byte) {
	cur := newCursor(body)
	blob, err := cur.readString()
	if err != nil {
		return agentFailure, nil
	}
	data, err := cur.readString()
	if err != nil {
		return agentFailure, nil
	}
	flags, err := cur.readUint32()
	if err != nil || !cur.atEnd() {
		return agentFailure, nil
	}

	if err := validateUserAuthPayload(data); err != nil {
		c.server.logf("sign request: %v", err)
		return agentFailure, nil
	}

	fp := fingerprintOf(blob)
	key, ok := c.server.store.Get(fp)
	if !ok {
		c.server.logf("sign request: key %s not found", fp)
		return agentFailure, nil
	}
	if !c.isAllowed(fp) {
		c.server.logf("sign request: denied for user %s on key %s", c.peer.User, fp)
		return agentFailure, nil
	}

	format, sig, err := key.sign(data, flags)
	if err != nil {
		c.server.logf("sign request: %v", err)
		return agentFailure, nil
	}
	return agentSignResponse, encodeSignature(format, sig)
}

func (c *conn) handleLock(body []byte) (agentMessageCode, []byte) {
	if c.peer.User != rootUser {
		c.server.logf("lock: denied for non-root user %s", c.peer.User)
		return agentFailure, nil
	}
	cur := newCursor(body)
	passphrase, err := cur.readString()
	if err != nil || !cur.atEnd() {
		return agentFailure, nil
	}
	if !c.server.lock.Lock(string(passphrase)) {
		return agentFailure, nil
	}
	c.server.logf("agent is now locked")
	return agentSuccess, nil
}

func (c *conn) handleUnlock(body []byte) (agentMessageCode, []byte) {
	if c.peer.User != rootUser {
		c.server.logf("unlock: denied for non-root user %s", c.peer.User)
		return agentFailure, nil
	}
	cur := newCursor(body)
	passphrase, err := cur.readString()
	if err != nil || !cur.atEnd() {
		return agentFailure, nil
	}
	if !c.server.lock.Unlock(string(passphrase)) {
		return agentFailure, nil
	}
	c.server.logf("agent is now unlocked")
	return agentSuccess, nil
}
