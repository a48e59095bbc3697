// Command xssh is the xssh client: connects, runs the transport/KEX
// handshake, authenticates (password or publickey), and drives an
// interactive pty shell, a one-shot remote command, or a "-L" local port
// forward over a "session"/"direct-tcpip" channel.
//
// Grounded on _examples/isgasho-xs/xs/xs.go's main(): raw-terminal-mode
// gating on isatty.IsTerminal(os.Stdin.Fd()), a "Gimme cookie:"-style
// password prompt via the teacher's xs.ReadPassword when no auth is
// supplied on the command line, chaff setup, and the stdin/stdout pump
// goroutines in doShellMode feeding and draining the remote channel.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	isatty "github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"blitter.com/go/xssh/algo"
	"blitter.com/go/xssh/hostkeys"
	"blitter.com/go/xssh/logger"
	"blitter.com/go/xssh/muxer"
	"blitter.com/go/xssh/nettransport"
	"blitter.com/go/xssh/session"
	"blitter.com/go/xssh/terminal"
	"blitter.com/go/xssh/transport"
	"blitter.com/go/xssh/wire"
)

const version = "1.0"

func main() {
	var (
		vopt         bool
		dbg          bool
		server       string
		username     string
		cmdline      string
		proto        string
		kcpAlgName   string
		kcpPSK       string
		identityPath string
		knownHosts   string
		localFwd     string
		chaffEnabled bool
		chaffFreqMin uint
		chaffFreqMax uint
		chaffBytes   uint
	)

	flag.BoolVar(&vopt, "v", false, "show version")
	flag.BoolVar(&dbg, "d", false, "debug logging")
	flag.StringVar(&username, "u", currentUser(), "remote `username`")
	flag.StringVar(&cmdline, "c", "", "run `command` non-interactively instead of a login shell")
	flag.StringVar(&proto, "proto", "tcp", "transport `proto` [tcp | kcp]")
	flag.StringVar(&kcpAlgName, "K", "aes", "KCP block cipher (only with -proto kcp)")
	flag.StringVar(&kcpPSK, "kcp-psk", "", "pre-shared key (required with -proto kcp)")
	flag.StringVar(&identityPath, "i", "", "ed25519 identity `file` (base64 seed, one line); empty disables publickey auth")
	flag.StringVar(&knownHosts, "known-hosts", defaultKnownHostsPath(), "known_hosts `file`")
	flag.StringVar(&localFwd, "L", "", "local port forward `[bind:]lport:host:hport`")
	flag.BoolVar(&chaffEnabled, "e", true, "enable chaff pkts")
	flag.UintVar(&chaffFreqMin, "f", 100, "chaff pkt freq min (msecs)")
	flag.UintVar(&chaffFreqMax, "F", 5000, "chaff pkt freq max (msecs)")
	flag.UintVar(&chaffBytes, "B", 64, "chaff pkt size max (bytes)")
	flag.Parse()

	if vopt {
		fmt.Printf("xssh version %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: xssh [flags] host[:port]")
		os.Exit(2)
	}
	server = flag.Arg(0)
	if !strings.Contains(server, ":") {
		server += ":2022"
	}

	logPriority := logger.LOG_USER | logger.LOG_NOTICE | logger.LOG_ERR
	if dbg {
		logPriority |= logger.LOG_DEBUG
	}
	if _, err := logger.New(logPriority, "xssh"); err != nil {
		fmt.Fprintln(os.Stderr, "xssh: logger init:", err)
		os.Exit(1)
	}

	kh, err := hostkeys.OpenKnownHosts(knownHosts)
	if err != nil {
		fatal("known_hosts: %v", err)
	}

	var identity *transport.Ed25519Signer
	if identityPath != "" {
		identity, err = hostkeys.LoadOrGenerateEd25519(identityPath)
		if err != nil {
			fatal("identity: %v", err)
		}
	}

	conn, err := nettransport.Dial(proto, server, nettransport.ParseKCPAlg(kcpAlgName), kcpPSK, "xssh-kcp-salt")
	if err != nil {
		fatal("connect to %s: %v", server, err)
	}
	logger.Debug(fmt.Sprintf("[connected to %s proto=%s]", server, proto))

	isInteractive := cmdline == "" && isatty.IsTerminal(os.Stdin.Fd())

	var oldState *terminal.State
	if isInteractive {
		oldState, err = terminal.MakeRaw(os.Stdin.Fd())
		if err != nil {
			fatal("raw terminal mode: %v", err)
		}
	}
	restore := func() {
		if oldState != nil {
			_ = terminal.Restore(os.Stdin.Fd(), oldState)
			oldState = nil
		}
	}
	defer restore()

	passwordUsed := false
	passwordNext := func(remaining []string, partial bool) (string, []byte, bool) {
		if !passwordUsed {
			passwordUsed = true
			restore()
			fmt.Fprint(os.Stderr, "Password: ")
			pw, perr := terminal.ReadPassword(os.Stdin.Fd())
			fmt.Fprintln(os.Stderr)
			if isInteractive {
				oldState, _ = terminal.MakeRaw(os.Stdin.Fd())
			}
			if perr != nil {
				return "", nil, false
			}
			return "password", passwordMethodData(string(pw)), true
		}
		return "", nil, false
	}

	var sessionIDFn func() []byte
	clientAuth := &session.ClientAuth{
		Username: username,
		Service:  "ssh-connection",
		Next:     publicKeyAwareNext(identity, username, &sessionIDFn, passwordNext),
	}

	chanTypes := muxer.NewRegistry()

	cfg := session.Config{
		Registry: algo.DefaultRegistry(),
		IsServer: false,
		VerifyHost: func(blob []byte) error {
			return kh.Verify(hostForKnownHosts(server))(blob)
		},
		ChanTypes:          chanTypes,
		ClientAuth:         clientAuth,
		VersionComment:     "xssh",
		IdleTimeout:        30 * time.Minute,
		KeepaliveInterval:  0,
		RekeyCheckInterval: 30 * time.Second,
		ChaffEnabled:       chaffEnabled,
		ChaffFreqMin:       time.Duration(chaffFreqMin) * time.Millisecond,
		ChaffFreqMax:       time.Duration(chaffFreqMax) * time.Millisecond,
		ChaffMaxBytes:      int(chaffBytes),
	}

	sess := session.New(cfg, transport.NewConn(conn))
	sessionIDFn = sess.SessionID

	done := make(chan error, 1)
	go func() { done <- sess.Run(conn) }()

	select {
	case err := <-sess.AuthComplete():
		if err != nil {
			restore()
			fatal("authentication failed: %v", err)
		}
		logger.Debug("[authenticated]")
	case err := <-done:
		restore()
		fatal("connection closed before authentication: %v", err)
	}

	if localFwd != "" {
		if err := startLocalForward(sess, localFwd); err != nil {
			restore()
			fatal("-L %s: %v", localFwd, err)
		}
	}

	status := doShellMode(sess, isInteractive, cmdline, oldState, &restore)
	<-done
	os.Exit(status)
}

// publicKeyAwareNext wraps the password-or-probe Next with the signed
// publickey retry RFC 4252 §7 expects: the first attempt (remaining==nil,
// before any FAILURE has been seen) offers an unsigned probe
// (has_signature=false); if the server's next FAILURE still lists
// "publickey" among the continuable methods — a probe rejection per
// auth.PublicKeyMethod's "probe: client must retry signed" doesn't
// remove it — the same key is retried signed with the session
// identifier bound in, per auth.publicKeySignedData's exact field order.
// Once the signed attempt has been sent, or the server drops
// "publickey" from remaining entirely, this stops trying the key and
// defers to fallback.
func publicKeyAwareNext(identity *transport.Ed25519Signer, username string, sessionID *func() []byte, fallback func([]string, bool) (string, []byte, bool)) func([]string, bool) (string, []byte, bool) {
	stage := 0 // 0 = send probe next, 1 = send signed next, 2 = give up on the key
	return func(remaining []string, partial bool) (string, []byte, bool) {
		if identity != nil && stage < 2 {
			allowed := remaining == nil
			for _, m := range remaining {
				if m == "publickey" {
					allowed = true
					break
				}
			}
			if allowed {
				keyBlob := identity.PublicKeyBlob()
				if stage == 0 {
					stage = 1
					b := wire.New(16 + len(keyBlob))
					b.PutBool(false)
					b.PutString([]byte(identity.Algorithm()))
					b.PutString(keyBlob)
					return "publickey", b.Bytes(), true
				}
				stage = 2
				sid := (*sessionID)()
				signedData := publicKeySignedData(sid, username, "ssh-connection", identity.Algorithm(), keyBlob)
				sig, err := identity.Sign(rand.Reader, signedData)
				if err == nil {
					b := wire.New(32 + len(keyBlob) + len(sig))
					b.PutBool(true)
					b.PutString([]byte(identity.Algorithm()))
					b.PutString(keyBlob)
					b.PutString(sig)
					return "publickey", b.Bytes(), true
				}
			} else {
				stage = 2
			}
		}
		return fallback(remaining, partial)
	}
}

// publicKeySignedData mirrors auth.publicKeySignedData's unexported
// encoding. The server rebuilds this exact buffer from the
// USERAUTH_REQUEST it received, so username and service must be the same
// values that request carries or the signature does not verify.
func publicKeySignedData(sessionID []byte, username, service, algoName string, keyBlob []byte) []byte {
	b := wire.New(256 + len(keyBlob) + len(sessionID))
	b.PutString(sessionID)
	b.PutString([]byte(username))
	b.PutString([]byte(service))
	b.PutString([]byte("publickey"))
	b.PutBool(true)
	b.PutString([]byte(algoName))
	b.PutString(keyBlob)
	return b.Bytes()
}

func passwordMethodData(password string) []byte {
	b := wire.New(8 + len(password))
	b.PutBool(false)
	b.PutString([]byte(password))
	return b.Bytes()
}

// doShellMode opens a "session" channel, issues a pty-req (interactive
// terminals only) followed by an exec (when cmdline is set) or shell
// CHANNEL_REQUEST matching chantype/ptysession's decode side, and pumps os.Stdin/os.Stdout against it — grounded on
// xs.go's doShellMode pair of stdin/stdout-pump goroutines, collapsed
// here from a channel-opcode design into plain io.Copy since the muxer
// already gives this channel its own flow control.
func doShellMode(sess *session.Session, isInteractive bool, cmdline string, oldState *terminal.State, restore *func()) int {
	ch, err := sess.Mux().OpenChannel("session", 1<<20, 32*1024, nil)
	if err != nil {
		(*restore)()
		fatal("open session channel: %v", err)
	}

	if isInteractive {
		cols, rows := 80, 24
		if c, r, werr := terminal.GetSize(os.Stdout.Fd()); werr == nil {
			cols, rows = c, r
		}
		b := wire.New(64)
		b.PutString([]byte(os.Getenv("TERM")))
		b.PutUint32(uint32(cols))
		b.PutUint32(uint32(rows))
		b.PutUint32(0)
		b.PutUint32(0)
		b.PutString(nil)
		if _, err := ch.SendRequest("pty-req", true, b.Bytes()); err != nil {
			(*restore)()
			fatal("pty-req: %v", err)
		}
		watchResizes(ch)
	}

	if cmdline != "" {
		b := wire.New(8 + len(cmdline))
		b.PutString([]byte(cmdline))
		if _, err := ch.SendRequest("exec", true, b.Bytes()); err != nil {
			(*restore)()
			fatal("exec: %v", err)
		}
	} else {
		if _, err := ch.SendRequest("shell", true, nil); err != nil {
			(*restore)()
			fatal("shell: %v", err)
		}
	}

	var exitStatus int32
	ch.OnRequest(func(reqType string, wantReply bool, data []byte) {
		if reqType == "exit-status" && len(data) >= 4 {
			exitStatus = int32(wire.NewFromBytes(data).GetUint32())
		}
		if wantReply {
			_ = ch.Reply(true)
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(os.Stdout, ch)
		if isInteractive {
			(*restore)()
		}
	}()

	go func() {
		_, _ = io.Copy(ch, os.Stdin)
		_ = ch.CloseWrite()
	}()

	<-done
	return int(exitStatus)
}

// watchResizes sends window-change CHANNEL_REQUESTs on SIGWINCH,
// grounded on xs/termsize_unix.go's handleTermResizes — but reading the
// new size natively via terminal.GetSize instead of the teacher's
// external `stty size` subprocess.
func watchResizes(ch *muxer.Channel) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for range sigCh {
			cols, rows, err := terminal.GetSize(os.Stdout.Fd())
			if err != nil {
				continue
			}
			b := wire.New(16)
			b.PutUint32(uint32(cols))
			b.PutUint32(uint32(rows))
			b.PutUint32(0)
			b.PutUint32(0)
			_, _ = ch.SendRequest("window-change", false, b.Bytes())
		}
	}()
}

// startLocalForward opens one "direct-tcpip" channel per accepted
// connection on the local listener described by spec (matching ssh(1)'s
// "-L [bind:]lport:host:hport" shape), proxying each with a pair of
// io.Copy pumps, the same doubled pump pattern doShellMode uses.
func startLocalForward(sess *session.Session, spec string) error {
	bindAddr, destHost, destPort, err := parseLocalForward(spec)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	go func() {
		defer ln.Close()
		for {
			local, err := ln.Accept()
			if err != nil {
				return
			}
			go proxyDirectTCPIP(sess, local, destHost, destPort)
		}
	}()
	return nil
}

func proxyDirectTCPIP(sess *session.Session, local net.Conn, destHost string, destPort uint32) {
	defer local.Close()

	origHost, origPortStr, _ := net.SplitHostPort(local.RemoteAddr().String())
	var origPort uint32
	fmt.Sscanf(origPortStr, "%d", &origPort)

	b := wire.New(32 + len(destHost) + len(origHost))
	b.PutString([]byte(destHost))
	b.PutUint32(destPort)
	b.PutString([]byte(origHost))
	b.PutUint32(origPort)

	ch, err := sess.Mux().OpenChannel("direct-tcpip", 1<<20, 32*1024, b.Bytes())
	if err != nil {
		return
	}
	defer ch.Close()

	doneCh := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(ch, local)
		_ = ch.CloseWrite()
		doneCh <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, ch)
		doneCh <- struct{}{}
	}()
	<-doneCh
}

func parseLocalForward(spec string) (bindAddr, destHost string, destPort uint32, err error) {
	parts := strings.Split(spec, ":")
	var lport, hport string
	switch len(parts) {
	case 3:
		lport, destHost, hport = parts[0], parts[1], parts[2]
	case 4:
		bindAddr = parts[0]
		lport, destHost, hport = parts[1], parts[2], parts[3]
	default:
		return "", "", 0, errors.Errorf("malformed -L spec %q", spec)
	}
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	var hp int
	if _, err = fmt.Sscanf(hport, "%d", &hp); err != nil {
		return "", "", 0, errors.Errorf("malformed remote port in %q", spec)
	}
	return bindAddr + ":" + lport, destHost, uint32(hp), nil
}

func hostForKnownHosts(server string) string {
	if h, _, err := net.SplitHostPort(server); err == nil {
		return h
	}
	return server
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".xssh_known_hosts"
	}
	return filepath.Join(home, ".xssh_known_hosts")
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "nobody"
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "xssh: "+format+"\n", args...)
	os.Exit(1)
}
