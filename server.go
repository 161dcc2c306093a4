package keyholder

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/taskgroup"
)

// Server owns the shared key store, authorization policy, and agent
// lock for a keyholderd instance. Workers are spawned one per accepted
// connection and are not tracked after that; they end when their peer
// disconnects or the process exits. Closing the listener passed to
// Serve stops new connections only.
type Server struct {
	store   *KeyStore
	lock    *LockCell
	policy  *PolicyCache
	keyDir  string
	authDir string
	logf    func(string, ...any)
}

// NewServer constructs a Server that will load its authorization policy
// from keyDir (a directory of "*.pub" files) and authDir (a directory of
// "*.yml"/"*.yaml" files). Call Reload at least once before serving
// requests; logf, if nil, discards log output.
func NewServer(keyDir, authDir string, logf func(string, ...any)) *Server {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Server{
		store:   NewKeyStore(),
		lock:    &LockCell{},
		policy:  NewPolicyCache(logf),
		keyDir:  keyDir,
		authDir: authDir,
		logf:    logf,
	}
}

// Reload rebuilds the authorization policy from disk and atomically
// republishes it. It is safe to call concurrently with connections in
// progress.
func (s *Server) Reload() error {
	return s.policy.Reload(s.keyDir, s.authDir)
}

// Serve accepts connections from lst and serves each on its own
// goroutine until lst closes or ctx is done, at which point the
// listener is closed and Serve returns. In-flight connection workers
// are not waited for; they are abandoned on shutdown per the agent's
// detached-worker concurrency model.
func (s *Server) Serve(ctx context.Context, lst *net.UnixListener) {
	ctx, cancel := context.WithCancel(ctx)
	// workers is never waited for: connection workers are detached.
	var g, workers taskgroup.Group
	g.Run(func() {
		<-ctx.Done()
		s.logf("shutting down, closing listener")
		lst.Close()
	})
	for {
		conn, err := lst.AcceptUnix()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logf("listener stopped: %v", err)
			}
			break
		}
		workers.Go(func() error { return s.ServeOne(conn) })
	}
	cancel()
	g.Wait()
}

// ServeOne serves the agent protocol to a single accepted connection
// until it is closed. It resolves the peer's identity once at setup; if
// that fails, the connection is closed without serving any request.
func (s *Server) ServeOne(conn *net.UnixConn) error {
	defer conn.Close()
	peer, err := peerIdentity(conn)
	if err != nil {
		s.logf("peer credential lookup failed: %v", err)
		return nil
	}
	return s.handleConn(conn, peer)
}

// Shutdown zeroes every key currently held in memory. Connection
// workers still running are not stopped, so a key that one of them adds
// after Shutdown is not zeroed; call it after Serve has returned, so no
// new connections arrive. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.store.Clear()
	s.logf("all identities zeroed")
}
