package keyholder

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ssh"
)

// Fingerprint is the SHA-256 digest of a public-key blob, used as the
// key's stable identifier throughout the store and policy cache.
type Fingerprint [32]byte

func fingerprintOf(blob []byte) Fingerprint {
	return sha256.Sum256(blob)
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", f[:])
}

// zeroer overwrites a key's secret material. Implementations are called
// exactly once, when a key is removed from the store or the store is
// cleared.
type zeroer interface{ zero() }

type rsaZeroer struct{ key *rsa.PrivateKey }

func (z rsaZeroer) zero() {
	z.key.D.SetInt64(0)
	for _, p := range z.key.Primes {
		p.SetInt64(0)
	}
	for _, v := range z.key.Precomputed.CRTValues {
		v.Exp.SetInt64(0)
		v.Coeff.SetInt64(0)
		v.R.SetInt64(0)
	}
	if z.key.Precomputed.Dp != nil {
		z.key.Precomputed.Dp.SetInt64(0)
	}
	if z.key.Precomputed.Dq != nil {
		z.key.Precomputed.Dq.SetInt64(0)
	}
	if z.key.Precomputed.Qinv != nil {
		z.key.Precomputed.Qinv.SetInt64(0)
	}
}

type ed25519Zeroer struct{ key ed25519.PrivateKey }

func (z ed25519Zeroer) zero() {
	for i := range z.key {
		z.key[i] = 0
	}
}

// LoadedKey is a private key held by the agent: an ssh.Signer plus the
// comment and cached public-key blob reported to clients.
type LoadedKey struct {
	signer  ssh.Signer
	raw     zeroer
	comment string
	blob    []byte
	fp      Fingerprint
}

func newLoadedKey(signer ssh.Signer, raw zeroer, comment string) *LoadedKey {
	blob := append([]byte(nil), signer.PublicKey().Marshal()...)
	return &LoadedKey{
		signer:  signer,
		raw:     raw,
		comment: comment,
		blob:    blob,
		fp:      fingerprintOf(blob),
	}
}

// Fingerprint returns the key's stable fingerprint.
func (k *LoadedKey) Fingerprint() Fingerprint { return k.fp }

// Comment returns the UTF-8 comment supplied at add time.
func (k *LoadedKey) Comment() string { return k.comment }

// zero destroys the key's secret material. The key must not be used
// afterward.
func (k *LoadedKey) zero() {
	if k.raw != nil {
		k.raw.zero()
	}
}

// sign produces a signature over data. For Ed25519 keys flags must be
// zero. For RSA keys the flag value selects the hash: 0 for
// SHA-1 (tag "ssh-rsa"), 2 for SHA-256 ("rsa-sha2-256"), 4 for SHA-512
// ("rsa-sha2-512"); any other flag value is refused.
func (k *LoadedKey) sign(data []byte, flags uint32) (format string, blob []byte, err error) {
	switch k.signer.PublicKey().Type() {
	case ssh.KeyAlgoED25519:
		if flags != 0 {
			return "", nil, ProtocolError("ed25519 signatures do not accept flags")
		}
		sig, err := k.signer.Sign(rand.Reader, data)
		if err != nil {
			return "", nil, err
		}
		return sig.Format, sig.Blob, nil
	case ssh.KeyAlgoRSA:
		algo, err := rsaAlgorithmForFlags(flags)
		if err != nil {
			return "", nil, err
		}
		algSigner, ok := k.signer.(ssh.AlgorithmSigner)
		if !ok {
			return "", nil, ProtocolError("rsa key does not support algorithm selection")
		}
		sig, err := algSigner.SignWithAlgorithm(rand.Reader, data, algo)
		if err != nil {
			return "", nil, err
		}
		return sig.Format, sig.Blob, nil
	default:
		return "", nil, ProtocolError("unsupported key type")
	}
}

func rsaAlgorithmForFlags(flags uint32) (string, error) {
	switch flags {
	case 0:
		return ssh.SigAlgoRSA, nil
	case 2:
		return ssh.SigAlgoRSASHA2256, nil
	case 4:
		return ssh.SigAlgoRSASHA2512, nil
	default:
		return "", ProtocolError("reserved rsa signature flag bits set")
	}
}

// parseRSAIdentity decodes the RSA fields of an ADD_IDENTITY payload:
// n, e, d, iqmp, p, q, in that order. The wire iqmp is compared against
// the CRT coefficient derived from (p, q) and, on mismatch, logged and
// otherwise ignored: the daemon always signs with its own derived CRT
// parameters, never with whatever a client happened to send.
func parseRSAIdentity(c *cursor, logf func(string, ...any)) (ssh.Signer, zeroer, error) {
	n, err := c.readMPInt()
	if err != nil {
		return nil, nil, err
	}
	e, err := c.readMPInt()
	if err != nil {
		return nil, nil, err
	}
	d, err := c.readMPInt()
	if err != nil {
		return nil, nil, err
	}
	iqmp, err := c.readMPInt()
	if err != nil {
		return nil, nil, err
	}
	p, err := c.readMPInt()
	if err != nil {
		return nil, nil, err
	}
	q, err := c.readMPInt()
	if err != nil {
		return nil, nil, err
	}
	if !e.IsInt64() {
		return nil, nil, ProtocolError("rsa public exponent out of range")
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	if err := priv.Validate(); err != nil {
		return nil, nil, ProtocolError("invalid rsa key: " + err.Error())
	}
	priv.Precompute()
	if iqmp.Cmp(priv.Precomputed.Qinv) != 0 {
		logf("add identity: wire iqmp does not match derived CRT coefficient; using derived value")
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return signer, rsaZeroer{priv}, nil
}

// parseEd25519Identity decodes the Ed25519 fields of an ADD_IDENTITY
// payload: a 32-byte public key followed by a 64-byte secret key.
func parseEd25519Identity(c *cursor) (ssh.Signer, zeroer, error) {
	pub, err := c.readString()
	if err != nil {
		return nil, nil, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, nil, ProtocolError("invalid ed25519 public key length")
	}
	sec, err := c.readString()
	if err != nil {
		return nil, nil, err
	}
	if len(sec) != ed25519.PrivateKeySize {
		return nil, nil, ProtocolError("invalid ed25519 private key length")
	}

	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, sec)
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return signer, ed25519Zeroer{priv}, nil
}
