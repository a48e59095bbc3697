// Command xsshd is the xssh server: accepts connections, runs the
// transport/KEX handshake, authenticates the peer, and serves "session"
// (interactive shell / exec) and "direct-tcpip" (port forwarding)
// channels.
//
// Grounded on _examples/isgasho-xs/hkexshd/hkexshd.go's main(): flag
// names/shapes (-l listen addr, -e/-f/-F/-B chaff knobs, -d debug, -v
// version), syslog-backed logging via the logger package, a signal
// handler translating SIGHUP/SIGUSR1/SIGUSR2 into log-only no-ops and
// SIGTERM/SIGINT into a clean shutdown, and one goroutine per accepted
// connection.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blitter.com/go/xssh/algo"
	"blitter.com/go/xssh/auth"
	"blitter.com/go/xssh/chantype/directtcpip"
	"blitter.com/go/xssh/chantype/ptysession"
	"blitter.com/go/xssh/hostkeys"
	"blitter.com/go/xssh/logger"
	"blitter.com/go/xssh/muxer"
	"blitter.com/go/xssh/nettransport"
	"blitter.com/go/xssh/session"
	"blitter.com/go/xssh/transport"
)

const version = "1.0"

func main() {
	var (
		vopt          bool
		dbg           bool
		laddr         string
		proto         string
		kcpAlgName    string
		kcpPSK        string
		hostKeyPath   string
		shadowPath    string
		passwdFile    string
		chaffEnabled  bool
		chaffFreqMin  uint
		chaffFreqMax  uint
		chaffBytesMax uint
	)

	flag.BoolVar(&vopt, "v", false, "show version")
	flag.StringVar(&laddr, "l", ":2022", "interface[:port] to listen")
	flag.StringVar(&proto, "proto", "tcp", "transport `proto` [tcp | kcp]")
	flag.StringVar(&kcpAlgName, "K", "aes", "KCP block cipher (only with -proto kcp) [none|aes|blowfish|cast5|sm4|salsa20|xor|tea|3des|twofish|xtea]")
	flag.StringVar(&kcpPSK, "kcp-psk", "", "pre-shared key (required with -proto kcp)")
	flag.StringVar(&hostKeyPath, "k", "/etc/xssh/xsshd_host_ed25519", "host key `file` (generated on first run if missing)")
	flag.StringVar(&shadowPath, "shadow", "/etc/shadow", "shadow `file` for password auth")
	flag.StringVar(&passwdFile, "passwd-file", "", "xssh-passwd `file` (username:salt:hash); overrides -shadow when set")
	flag.BoolVar(&chaffEnabled, "e", true, "enable chaff pkts")
	flag.UintVar(&chaffFreqMin, "f", 100, "chaff pkt freq min (msecs)")
	flag.UintVar(&chaffFreqMax, "F", 5000, "chaff pkt freq max (msecs)")
	flag.UintVar(&chaffBytesMax, "B", 64, "chaff pkt size max (bytes)")
	flag.BoolVar(&dbg, "d", false, "debug logging")
	flag.Parse()

	if vopt {
		fmt.Printf("xsshd version %s\n", version)
		os.Exit(0)
	}

	logPriority := logger.LOG_DAEMON | logger.LOG_NOTICE | logger.LOG_ERR
	if dbg {
		logPriority |= logger.LOG_DEBUG
	}
	if _, err := logger.New(logPriority, "xsshd"); err != nil {
		fmt.Fprintln(os.Stderr, "xsshd: logger init:", err)
		os.Exit(1)
	}

	signer, err := hostkeys.LoadOrGenerateEd25519(hostKeyPath)
	if err != nil {
		logger.Err(fmt.Sprintf("host key: %v", err))
		os.Exit(1)
	}

	authReg := auth.NewRegistry("password")
	if passwdFile != "" {
		authReg.Register("password", auth.BcryptFileMethod(passwdFile))
	} else {
		authReg.Register("password", auth.PasswordMethod(shadowPath))
	}
	authReg.Register("publickey", auth.PublicKeyMethod(hostkeys.AuthorizedKeysLookup))

	exitCh := make(chan os.Signal, 1)
	signal.Notify(exitCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range exitCh {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.Notice(fmt.Sprintf("[got signal: %s, shutting down]", sig))
				os.Exit(0)
			default:
				logger.Notice(fmt.Sprintf("[got signal: %s - ignored]", sig))
			}
		}
	}()

	ln, err := nettransport.Listen(proto, laddr, nettransport.ParseKCPAlg(kcpAlgName), kcpPSK, "xsshd-kcp-salt")
	if err != nil {
		logger.Err(fmt.Sprintf("listen: %v", err))
		os.Exit(1)
	}
	defer ln.Close()

	logger.Notice(fmt.Sprintf("[serving on %s proto=%s]", laddr, proto))

	chaff := chaffSettings{
		enabled: chaffEnabled,
		freqMin: time.Duration(chaffFreqMin) * time.Millisecond,
		freqMax: time.Duration(chaffFreqMax) * time.Millisecond,
		maxBytes: int(chaffBytesMax),
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Err(fmt.Sprintf("accept: %v", err))
			continue
		}
		go serve(conn, signer, authReg, chaff)
	}
}

// chaffSettings carries the -e/-f/-F/-B flags into each connection's
// session.Config.
type chaffSettings struct {
	enabled  bool
	freqMin  time.Duration
	freqMax  time.Duration
	maxBytes int
}

func serve(conn net.Conn, signer transport.Signer, authReg *auth.Registry, chaff chaffSettings) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger.Notice(fmt.Sprintf("[accepted connection from %s]", remote))

	// sess is filled in below, before Run ever dispatches a
	// CHANNEL_REQUEST — pty-req/shell/exec handlers only ever run once
	// auth has completed (session.dispatch's pre-auth gate), so by the
	// time ptysession calls Username() it is always past the write that
	// sets s.auth's internal state, all on this same connection's single
	// session-loop goroutine. No synchronization is needed for that
	// reason alone, not because these closures happen to be read-mostly.
	var sess *session.Session

	chanTypes := muxer.NewRegistry()
	chanTypes.Register("session", ptysession.ChanType(ptysession.Config{
		Username:   func() string { return sess.Username() },
		RemoteHost: func() string { return remote },
	}))
	chanTypes.Register("direct-tcpip", directtcpip.ChanType(directtcpip.Config{
		DialTimeout: 10 * time.Second,
	}))

	cfg := session.Config{
		Registry:     algo.DefaultRegistry(),
		IsServer:     true,
		Signer:       signer,
		AuthRegistry: authReg,
		ChanTypes:    chanTypes,
		GlobalHandler: func(name string, data []byte) (bool, []byte) {
			return name == "keepalive@xssh", nil
		},
		VersionComment:     "xsshd",
		IdleTimeout:        30 * time.Minute,
		KeepaliveInterval:  0,
		RekeyCheckInterval: 30 * time.Second,
		ChaffEnabled:       chaff.enabled,
		ChaffFreqMin:       chaff.freqMin,
		ChaffFreqMax:       chaff.freqMax,
		ChaffMaxBytes:      chaff.maxBytes,
	}

	sess = session.New(cfg, transport.NewConn(conn))

	done := make(chan error, 1)
	go func() { done <- sess.Run(conn) }()

	select {
	case err := <-sess.AuthComplete():
		if err != nil {
			logger.Notice(fmt.Sprintf("[auth failed from %s: %v]", remote, err))
			return
		}
		logger.Notice(fmt.Sprintf("[authenticated %s from %s]", sess.Username(), remote))
	case err := <-done:
		logger.Notice(fmt.Sprintf("[connection from %s ended before auth: %v]", remote, err))
		return
	}

	if err := <-done; err != nil {
		logger.Debug(fmt.Sprintf("[connection from %s ended: %v]", remote, err))
	}
}
