// Package ptysession implements RFC 4254 §6's "session" channel type: a
// pty-backed interactive shell or one-shot command, driven by
// pty-req/shell/exec/window-change/env CHANNEL_REQUESTs.
//
// Grounded on _examples/isgasho-xs/hkexshd/hkexshd.go's runShellAs: drop
// privileges to the authenticated account, start the command under a
// pty via github.com/kr/pty, and pump data between the pty and the
// channel with a pair of goroutines. hkexshd.go ran one hardwired shell
// per bespoke "session" record; this generalizes that into the
// standard pty-req/window-change/shell/exec CHANNEL_REQUEST sequence
// every SSH client actually sends, with the per-channel state the
// multiple requests share (cmd, ptmx, window size) tracked by a state
// table keyed on the *muxer.Channel the requests arrive against.
package ptysession

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"github.com/kr/pty"

	"blitter.com/go/goutmp"
	"blitter.com/go/xssh/logger"
	"blitter.com/go/xssh/muxer"
	"blitter.com/go/xssh/wire"
)

// Config wires the OS-facing dependencies this channel type needs,
// matching the auth package's Ctx injection seam so tests can choose
// the shell and, by leaving RemoteHost nil, avoid touching /var/run/utmp.
type Config struct {
	// Username resolves the session's authenticated account; required.
	Username func() string

	// Shell is the interactive login shell exec'd for a bare "shell"
	// request with no preceding "exec". Defaults to /bin/bash.
	Shell string

	// UserLookup resolves an account name to uid/gid/home. Defaults to
	// user.Lookup.
	UserLookup func(string) (*user.User, error)

	// RemoteHost names the peer for utmp/lastlog bookkeeping; nil
	// disables utmp logging entirely (e.g. under test).
	RemoteHost func() string
}

func (c *Config) setDefaults() {
	if c.Shell == "" {
		c.Shell = "/bin/bash"
	}
	if c.UserLookup == nil {
		c.UserLookup = user.Lookup
	}
}

// ChanType returns a muxer.ChanType registration for "session".
func ChanType(cfg Config) muxer.ChanType {
	cfg.setDefaults()

	var tableMu sync.Mutex
	table := make(map[*muxer.Channel]*shellSession)

	stateFor := func(ch *muxer.Channel) *shellSession {
		tableMu.Lock()
		defer tableMu.Unlock()
		s, ok := table[ch]
		if !ok {
			s = &shellSession{cfg: cfg}
			table[ch] = s
		}
		return s
	}

	return muxer.ChanType{
		Init: func(ch *muxer.Channel, extra []byte) error {
			// RFC 4254 §6.1: CHANNEL_OPEN for "session" carries no
			// type-specific data; the shell/exec/pty-req requests that
			// follow do the actual work.
			return nil
		},
		HandleRequest: func(ch *muxer.Channel, reqType string, wantReply bool, data []byte) {
			s := stateFor(ch)
			err := s.handle(ch, reqType, data)
			if wantReply {
				_ = ch.Reply(err == nil)
			}
		},
		Close: func(ch *muxer.Channel) {
			tableMu.Lock()
			s, ok := table[ch]
			delete(table, ch)
			tableMu.Unlock()
			if ok {
				s.cleanup()
			}
		},
	}
}

// shellSession tracks the state pty-req/window-change/shell/exec share
// across the several CHANNEL_REQUESTs one "session" channel receives.
type shellSession struct {
	cfg Config

	mu      sync.Mutex
	ptmx    *os.File
	cmd     *exec.Cmd
	started bool
	termios []byte // opaque encoded terminal modes from pty-req, unused beyond pass-through

	pendingCols, pendingRows uint32

	hname string
	utmpx interface{} // handle returned by goutmp.Put_utmp, nil until a session starts with RemoteHost set
}

func (s *shellSession) handle(ch *muxer.Channel, reqType string, data []byte) error {
	switch reqType {
	case "pty-req":
		return s.handlePtyReq(data)
	case "window-change":
		return s.handleWindowChange(data)
	case "env":
		// Accepted but not applied: the authenticated account's own shell
		// environment governs the session, matching hkexshd.go's
		// os.Clearenv()-then-fixed-set approach rather than trusting
		// client-supplied environment variables wholesale.
		return nil
	case "shell":
		return s.start(ch, "")
	case "exec":
		b := wire.NewFromBytes(data)
		cmd := string(b.GetString())
		return s.start(ch, cmd)
	default:
		return fmt.Errorf("ptysession: unsupported request %q", reqType)
	}
}

func (s *shellSession) handlePtyReq(data []byte) error {
	b := wire.NewFromBytes(data)
	_ = string(b.GetString()) // TERM
	cols := b.GetUint32()
	rows := b.GetUint32()
	_ = b.GetUint32() // width pixels
	_ = b.GetUint32() // height pixels
	modes := b.GetString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.termios = modes
	s.pendingCols, s.pendingRows = cols, rows
	return nil
}

func (s *shellSession) handleWindowChange(data []byte) error {
	b := wire.NewFromBytes(data)
	cols := b.GetUint32()
	rows := b.GetUint32()

	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return nil
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// start execs cmd (or the login shell, if cmd == "") under a pty as the
// authenticated account, then pumps data between the pty and ch until
// the command exits, exactly as hkexshd.go's runShellAs does — split
// here into per-direction goroutines instead of runShellAs's WaitGroup
// so window-change can keep adjusting the pty concurrently.
func (s *shellSession) start(ch *muxer.Channel, cmdline string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("ptysession: command already started on this channel")
	}
	s.started = true
	cols, rows := s.pendingCols, s.pendingRows
	s.mu.Unlock()

	who := s.cfg.Username()
	u, err := s.cfg.UserLookup(who)
	if err != nil {
		return fmt.Errorf("ptysession: lookup %s: %w", who, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("ptysession: bad uid for %s: %w", who, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("ptysession: bad gid for %s: %w", who, err)
	}

	var c *exec.Cmd
	if cmdline == "" {
		c = exec.Command(s.cfg.Shell, "-i", "-l")
	} else {
		c = exec.Command(s.cfg.Shell, "-c", cmdline)
	}
	c.Dir = u.HomeDir
	c.Env = []string{"HOME=" + u.HomeDir, "TERM=xterm", "LOGNAME=" + who, "USER=" + who}
	c.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}

	ptmx, err := pty.Start(c)
	if err != nil {
		return fmt.Errorf("ptysession: pty start: %w", err)
	}
	if cols > 0 && rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	}

	s.mu.Lock()
	s.ptmx = ptmx
	s.cmd = c
	s.mu.Unlock()

	if s.cfg.RemoteHost != nil {
		hname := s.cfg.RemoteHost()
		s.hname = hname
		s.utmpx = goutmp.Put_utmp(who, hname)
		goutmp.Put_lastlog_entry("xsshd", who, hname)
		_ = logger.Notice(fmt.Sprintf("[session start: %s@%s]", who, hname))
	}

	go func() {
		if _, err := io.Copy(ptmx, ch); err != nil {
			_ = logger.Debug(fmt.Sprintf("ptysession: stdin->pty ended: %v", err))
		}
	}()

	go func() {
		_, copyErr := io.Copy(ch, ptmx)
		_ = ch.CloseWrite()

		status := c.Wait()
		exitStatus := uint32(0)
		if status != nil {
			if exiterr, ok := status.(*exec.ExitError); ok {
				if ws, ok := exiterr.Sys().(syscall.WaitStatus); ok {
					exitStatus = uint32(ws.ExitStatus())
				}
			}
		}
		if copyErr != nil {
			_ = logger.Debug(fmt.Sprintf("ptysession: pty->stdout ended: %v", copyErr))
		}

		b := wire.New(4)
		b.PutUint32(exitStatus)
		_, _ = ch.SendRequest("exit-status", false, b.Bytes())
		_ = ch.Close()
	}()

	return nil
}

func (s *shellSession) cleanup() {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx != nil {
		_ = ptmx.Close()
	}
	if s.utmpx != nil {
		goutmp.Unput_utmp(s.utmpx)
	}
}
