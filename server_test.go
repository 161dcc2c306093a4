package keyholder

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/ssh"
)

// decodedIdentity is a comparable projection of one entry in an
// IDENTITIES_ANSWER payload, used to diff the whole list at once
// instead of field-by-field.
type decodedIdentity struct {
	Blob    []byte
	Comment string
}

func decodeIdentities(t *testing.T, body []byte) []decodedIdentity {
	t.Helper()
	c := newCursor(body)
	n, err := c.readUint32()
	if err != nil {
		t.Fatalf("decode identity count: %v", err)
	}
	out := make([]decodedIdentity, 0, n)
	for i := uint32(0); i < n; i++ {
		blob, err := c.readString()
		if err != nil {
			t.Fatalf("decode identity blob: %v", err)
		}
		comment, err := c.readString()
		if err != nil {
			t.Fatalf("decode identity comment: %v", err)
		}
		out = append(out, decodedIdentity{Blob: blob, Comment: string(comment)})
	}
	if !c.atEnd() {
		t.Fatalf("trailing bytes after %d identities", n)
	}
	return out
}

// driver wraps one side of a net.Pipe and the server-side handleConn
// goroutine, letting tests exchange framed requests/responses without a
// real UNIX socket or real peer credentials.
type driver struct {
	client net.Conn
	done   chan error
}

func newDriver(t *testing.T, srv *Server, peer *PeerIdentity) *driver {
	t.Helper()
	client, server := net.Pipe()
	d := &driver{client: client, done: make(chan error, 1)}
	go func() { d.done <- srv.handleConn(server, peer) }()
	t.Cleanup(func() { client.Close() })
	return d
}

func (d *driver) request(t *testing.T, code agentMessageCode, body []byte) (agentMessageCode, []byte) {
	t.Helper()
	if err := writeFrame(d.client, code, body); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	rc, rb, err := readFrame(d.client)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	return rc, rb
}

func rootPeer() *PeerIdentity {
	return &PeerIdentity{User: rootUser, Groups: map[string]struct{}{}}
}

func peerWithGroups(user string, groups ...string) *PeerIdentity {
	g := make(map[string]struct{}, len(groups))
	for _, name := range groups {
		g[name] = struct{}{}
	}
	return &PeerIdentity{User: user, Groups: g}
}

func ed25519AddIdentityPayload(t *testing.T, comment string) (payload []byte, pub ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	buf := appendString(nil, []byte(ssh.KeyAlgoED25519))
	buf = appendString(buf, pub)
	buf = appendString(buf, priv)
	buf = appendString(buf, []byte(comment))
	return buf, pub
}

func pubKeyBlob(t *testing.T, pub ed25519.PublicKey) []byte {
	t.Helper()
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	return sshPub.Marshal()
}

// S1: root adds an Ed25519 key, then lists identities.
func TestScenarioAddAndList(t *testing.T) {
	srv := NewServer(t.TempDir(), t.TempDir(), nil)
	d := newDriver(t, srv, rootPeer())

	payload, pub := ed25519AddIdentityPayload(t, "k1")
	if code, _ := d.request(t, agentAddIdentity, payload); code != agentSuccess {
		t.Fatalf("ADD_IDENTITY code = %d, want SUCCESS", code)
	}

	code, body := d.request(t, agentRequestIdentities, nil)
	if code != agentIdentitiesAnswer {
		t.Fatalf("REQUEST_IDENTITIES code = %d, want IDENTITIES_ANSWER", code)
	}
	blob := pubKeyBlob(t, pub)
	got := decodeIdentities(t, body)
	want := []decodedIdentity{{Blob: blob, Comment: "k1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("identity list mismatch (-want +got):\n%s", diff)
	}
}

// S2/S3: a non-root peer's access follows group membership.
func TestScenarioGroupAuthorization(t *testing.T) {
	srv := NewServer(t.TempDir(), t.TempDir(), nil)
	root := newDriver(t, srv, rootPeer())
	payload, pub := ed25519AddIdentityPayload(t, "k1")
	if code, _ := root.request(t, agentAddIdentity, payload); code != agentSuccess {
		t.Fatalf("ADD_IDENTITY failed: %d", code)
	}
	blob := pubKeyBlob(t, pub)
	fp := fingerprintOf(blob)
	snap := policySnapshot{fp: {"ops": struct{}{}}}
	srv.policy.snap.Store(&snap)

	opsPeer := newDriver(t, srv, peerWithGroups("alice", "ops"))
	code, body := opsPeer.request(t, agentRequestIdentities, nil)
	if code != agentIdentitiesAnswer {
		t.Fatalf("REQUEST_IDENTITIES code = %d", code)
	}
	c := newCursor(body)
	if n, _ := c.readUint32(); n != 1 {
		t.Fatalf("ops peer sees %d identities, want 1", n)
	}

	data := buildUserAuthPayload(t, []byte("sid"), "alice", "ssh-connection", ssh.KeyAlgoED25519, blob)
	signReq := appendString(nil, blob)
	signReq = appendString(signReq, data)
	signReq = appendUint32(signReq, 0)
	code, signBody := opsPeer.request(t, agentSignRequest, signReq)
	if code != agentSignResponse {
		t.Fatalf("SIGN_REQUEST (ops) code = %d, want SIGN_RESPONSE", code)
	}
	sc := newCursor(signBody)
	sigBlob, err := sc.readString()
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	ic := newCursor(sigBlob)
	format, _ := ic.readString()
	if string(format) != ssh.KeyAlgoED25519 {
		t.Errorf("signature format = %q, want %q", format, ssh.KeyAlgoED25519)
	}

	guestPeer := newDriver(t, srv, peerWithGroups("mallory", "guests"))
	code, body = guestPeer.request(t, agentRequestIdentities, nil)
	c = newCursor(body)
	if n, _ := c.readUint32(); n != 0 {
		t.Fatalf("guest peer sees %d identities, want 0", n)
	}
	if code, _ = guestPeer.request(t, agentSignRequest, signReq); code != agentFailure {
		t.Fatalf("SIGN_REQUEST (guest) code = %d, want FAILURE", code)
	}
}

// S4: locking denies non-root access; unlock requires the right passphrase.
func TestScenarioLockDominance(t *testing.T) {
	srv := NewServer(t.TempDir(), t.TempDir(), nil)
	root := newDriver(t, srv, rootPeer())
	if code, _ := root.request(t, agentLock, appendString(nil, []byte("hunter2"))); code != agentSuccess {
		t.Fatalf("LOCK code = %d, want SUCCESS", code)
	}

	nonRoot := newDriver(t, srv, peerWithGroups("alice", "ops"))
	code, body := nonRoot.request(t, agentRequestIdentities, nil)
	c := newCursor(body)
	n, _ := c.readUint32()
	if code != agentIdentitiesAnswer || n != 0 {
		t.Fatalf("locked REQUEST_IDENTITIES = (%d, n=%d), want (IDENTITIES_ANSWER, 0)", code, n)
	}

	if code, _ := root.request(t, agentUnlock, appendString(nil, []byte("wrong"))); code != agentFailure {
		t.Fatalf("UNLOCK wrong passphrase = %d, want FAILURE", code)
	}
	if code, _ := root.request(t, agentUnlock, appendString(nil, []byte("hunter2"))); code != agentSuccess {
		t.Fatalf("UNLOCK correct passphrase = %d, want SUCCESS", code)
	}
}

// S5: an oversize frame is answered with FAILURE and the connection stays open.
func TestScenarioOversizeFrameRecovers(t *testing.T) {
	srv := NewServer(t.TempDir(), t.TempDir(), nil)
	d := newDriver(t, srv, rootPeer())

	hdr := appendUint32(nil, 300000) // > maxMessageLength; no payload bytes follow
	if _, err := d.client.Write(hdr); err != nil {
		t.Fatalf("write oversize header: %v", err)
	}
	code, _, err := readFrame(d.client)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if code != agentFailure {
		t.Fatalf("oversize frame response = %d, want FAILURE", code)
	}

	if code, _ := d.request(t, agentRemoveAllIdentities, nil); code != agentSuccess {
		t.Fatalf("follow-up request code = %d, want SUCCESS", code)
	}
}

// S6: three RSA signatures over the same data carry three distinct tags.
func TestScenarioRSAThreeAlgorithms(t *testing.T) {
	srv := NewServer(t.TempDir(), t.TempDir(), nil)
	root := newDriver(t, srv, rootPeer())

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	priv.Precompute()
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}

	payload := appendString(nil, []byte(ssh.KeyAlgoRSA))
	payload = appendMPInt(payload, priv.N)
	payload = appendMPInt(payload, big.NewInt(int64(priv.E)))
	payload = appendMPInt(payload, priv.D)
	payload = appendMPInt(payload, priv.Precomputed.Qinv)
	payload = appendMPInt(payload, priv.Primes[0])
	payload = appendMPInt(payload, priv.Primes[1])
	payload = appendString(payload, []byte("rsa-key"))

	if code, _ := root.request(t, agentAddIdentity, payload); code != agentSuccess {
		t.Fatalf("ADD_IDENTITY (rsa) code = %d, want SUCCESS", code)
	}

	blob := signer.PublicKey().Marshal()
	data := buildUserAuthPayload(t, []byte("sid"), "root", "ssh-connection", ssh.KeyAlgoRSA, blob)
	signReqFor := func(flags uint32) []byte {
		buf := appendString(nil, blob)
		buf = appendString(buf, data)
		buf = appendUint32(buf, flags)
		return buf
	}

	seen := map[string]bool{}
	for _, flags := range []uint32{0, 2, 4} {
		code, body := root.request(t, agentSignRequest, signReqFor(flags))
		if code != agentSignResponse {
			t.Fatalf("SIGN_REQUEST flags=%d code = %d, want SIGN_RESPONSE", flags, code)
		}
		c := newCursor(body)
		sigBlob, err := c.readString()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		ic := newCursor(sigBlob)
		format, _ := ic.readString()
		seen[string(format)] = true
	}
	for _, want := range []string{ssh.SigAlgoRSA, ssh.SigAlgoRSASHA2256, ssh.SigAlgoRSASHA2512} {
		if !seen[want] {
			t.Errorf("missing signature with format %q", want)
		}
	}
}
