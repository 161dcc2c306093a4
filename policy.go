package keyholder

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// policySnapshot is an immutable fingerprint -> group-set mapping. A new
// snapshot is built from scratch on every reload and published by
// atomic pointer swap, so readers always see either the pre- or
// post-reload mapping, never a partial one.
type policySnapshot map[Fingerprint]map[string]struct{}

// PolicyCache holds the currently active authorization policy.
type PolicyCache struct {
	snap atomic.Pointer[policySnapshot]
	logf func(string, ...any)
}

// NewPolicyCache returns a cache with an empty policy. Call Reload to
// populate it from configuration.
func NewPolicyCache(logf func(string, ...any)) *PolicyCache {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	pc := &PolicyCache{logf: logf}
	empty := make(policySnapshot)
	pc.snap.Store(&empty)
	return pc
}

// Groups returns the set of group names permitted to use fp. The
// returned map must not be mutated.
func (pc *PolicyCache) Groups(fp Fingerprint) map[string]struct{} {
	snap := *pc.snap.Load()
	return snap[fp]
}

// Reload rescans keyDir for "*.pub" files and authDir for "*.yml"/
// "*.yaml" files and republishes the resulting policy. A malformed or
// unreadable file is logged and skipped; it never poisons the whole
// cache, and partially-loaded directories still produce a usable
// (if incomplete) snapshot.
func (pc *PolicyCache) Reload(keyDir, authDir string) error {
	fingerprints := loadKeyFingerprints(keyDir, pc.logf)

	perms := make(policySnapshot)
	entries := readDirOrEmpty(authDir, pc.logf)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")) {
			continue
		}
		path := filepath.Join(authDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			pc.logf("policy: unable to read %s: %v", path, err)
			continue
		}
		var doc map[string][]string
		if err := yaml.Unmarshal(data, &doc); err != nil {
			pc.logf("policy: unable to parse %s: %v", path, err)
			continue
		}
		for group, keyNames := range doc {
			for _, keyName := range keyNames {
				fp, ok := fingerprints[keyName]
				if !ok {
					pc.logf("policy: %s: fingerprint not found for key %q", path, keyName)
					continue
				}
				if perms[fp] == nil {
					perms[fp] = make(map[string]struct{})
				}
				perms[fp][group] = struct{}{}
			}
		}
	}

	pc.snap.Store(&perms)
	return nil
}

// loadKeyFingerprints scans keyDir for "*.pub" files, each a single-line
// "algorithm base64-blob comment" public key, and returns a mapping from
// file stem to the fingerprint of the parsed key. A missing keyDir is
// logged and treated as containing no keys, matching the original
// daemon's behavior of globbing a directory that may not exist.
func loadKeyFingerprints(keyDir string, logf func(string, ...any)) map[string]Fingerprint {
	entries := readDirOrEmpty(keyDir, logf)
	out := make(map[string]Fingerprint)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".pub") {
			continue
		}
		path := filepath.Join(keyDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logf("policy: unable to read %s: %v", path, err)
			continue
		}
		pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			logf("policy: unable to parse key %s: %v", path, err)
			continue
		}
		stem := strings.TrimSuffix(name, ".pub")
		out[stem] = fingerprintOf(pub.Marshal())
	}
	logf("policy: loaded %d key fingerprint(s) from %s", len(out), keyDir)
	return out
}

// readDirOrEmpty reads dir and returns its entries, or an empty slice if
// dir does not exist. It mirrors daemon.py's treatment of a missing key
// or authorization directory as "zero entries" rather than a fatal
// reload error: a directory that is transiently or intentionally
// removed must not leave a stale policy snapshot in place forever.
func readDirOrEmpty(dir string, logf func(string, ...any)) []os.DirEntry {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logf("policy: %s is not a directory: %v", dir, err)
		return nil
	}
	return entries
}
