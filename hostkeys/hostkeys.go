// Package hostkeys provides the minimal host-key-at-rest and
// known-hosts bookkeeping cmd/xsshd and cmd/xssh need. spec.md §1 scopes
// key parsing/generation and host-key storage out of the transport core
// entirely (it only calls through Signer/Verifier); this package is the
// external collaborator that fills that role, the way the teacher's own
// AuthCtx/GenAuthToken in auth.go sit outside hkexnet's KEX machine.
//
// There is no OpenSSH wire-format key file parser anywhere in the
// example pack, so both the server's private key file and the client's
// known-hosts file use a small encoding of this repo's own: the key file
// is one base64-std line holding a raw ed25519 seed, and each known-hosts
// line is a host name followed by the base64-std Signer PublicKeyBlob()
// — no third-party format to parse,
// in keeping with the out-of-scope note above.
package hostkeys

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"blitter.com/go/xssh/auth"
	"blitter.com/go/xssh/logger"
	"blitter.com/go/xssh/transport"
)

// LoadOrGenerateEd25519 reads an ed25519 seed from path (base64, one
// line) and wraps it in a transport.Ed25519Signer. A missing file
// generates a fresh key and persists it mode 0600, mirroring how
// OpenSSH's sshd bootstraps a host key on first run.
func LoadOrGenerateEd25519(path string) (*transport.Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil {
			return nil, errors.Wrap(derr, "hostkeys: decoding host key file")
		}
		if len(seed) != ed25519.SeedSize {
			return nil, errors.Errorf("hostkeys: host key file has %d-byte seed, want %d", len(seed), ed25519.SeedSize)
		}
		return &transport.Ed25519Signer{Priv: ed25519.NewKeyFromSeed(seed)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "hostkeys: reading host key file")
	}

	_, priv, gerr := ed25519.GenerateKey(rand.Reader)
	if gerr != nil {
		return nil, errors.Wrap(gerr, "hostkeys: generating host key")
	}
	seed := priv.Seed()
	encoded := base64.StdEncoding.EncodeToString(seed) + "\n"
	if werr := os.WriteFile(path, []byte(encoded), 0600); werr != nil {
		return nil, errors.Wrap(werr, "hostkeys: writing new host key file")
	}
	_ = logger.Notice(fmt.Sprintf("[generated new host key at %s]", path))
	return &transport.Ed25519Signer{Priv: priv}, nil
}

// KnownHosts implements trust-on-first-use host key verification,
// persisted as "host base64blob" lines in path. A new host is accepted
// and recorded; a host seen before with a different blob is rejected —
// the same MITM-detection contract RFC 4251 §4.1 (or any SSH client's
// known_hosts check) gives the user.
type KnownHosts struct {
	path string

	mu      sync.Mutex
	entries map[string]string // host -> base64 blob
}

// OpenKnownHosts loads path if it exists; a missing file starts empty.
func OpenKnownHosts(path string) (*KnownHosts, error) {
	kh := &KnownHosts{path: path, entries: make(map[string]string)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kh, nil
		}
		return nil, errors.Wrap(err, "hostkeys: opening known_hosts")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		kh.entries[fields[0]] = fields[1]
	}
	return kh, scanner.Err()
}

// Verify returns a transport Handshake.VerifyHost hook bound to host.
func (kh *KnownHosts) Verify(host string) func(blob []byte) error {
	return func(blob []byte) error {
		encoded := base64.StdEncoding.EncodeToString(blob)

		kh.mu.Lock()
		defer kh.mu.Unlock()

		existing, ok := kh.entries[host]
		if ok {
			if existing != encoded {
				return errors.Errorf("hostkeys: host key for %q changed — possible MITM, refusing", host)
			}
			return nil
		}

		kh.entries[host] = encoded
		_ = logger.Notice(fmt.Sprintf("[adding new host key for %s to known_hosts]", host))
		return kh.persistLocked()
	}
}

// AuthorizedKeysLookup reads "~account-home/.xssh_authorized_keys" (one
// base64-encoded PublicKeyBlob() per line) for auth.PublicKeyMethod,
// standing in for OpenSSH's ~/.ssh/authorized_keys the way this
// package's own line format stands in for the OpenSSH public-key file
// format elsewhere in this package.
func AuthorizedKeysLookup(ctx *auth.Ctx, username string) ([][]byte, error) {
	u, err := ctx.UserLookup(username)
	if err != nil {
		return nil, errors.Wrap(err, "hostkeys: looking up account")
	}
	data, err := ctx.ReadFile(filepath.Join(u.HomeDir, ".xssh_authorized_keys"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys [][]byte
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		blob, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			continue
		}
		keys = append(keys, blob)
	}
	return keys, nil
}

func (kh *KnownHosts) persistLocked() error {
	if kh.path == "" {
		return nil
	}
	f, err := os.OpenFile(kh.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "hostkeys: writing known_hosts")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for host, blob := range kh.entries {
		fmt.Fprintf(w, "%s %s\n", host, blob)
	}
	return w.Flush()
}
