package muxer

// ChanType is the plug-in vtable a channel-type implementation provides,
// grounded on original_source/src/channel.h's struct ChanType
// (inithandler/reqhandler/closehandler/cleanup) — translated from a C
// function-pointer struct into a Go struct of function fields, which
// chantype/ptysession and chantype/directtcpip each fill in independently.
type ChanType struct {
	// Init runs once, right after an inbound CHANNEL_OPEN was accepted
	// into the table, before OPEN_CONFIRMATION is sent. extra is the
	// type-specific tail of the OPEN message (e.g. direct-tcpip's
	// host/port fields). Returning an error sends OPEN_FAILURE instead
	// of OPEN_CONFIRMATION, with OpenConnectFailed as the reason.
	Init func(ch *Channel, extra []byte) error

	// HandleRequest answers an inbound CHANNEL_REQUEST ("pty-req",
	// "shell", "exec", ...). Implementations call ch.Reply when
	// wantReply is true.
	HandleRequest func(ch *Channel, reqType string, wantReply bool, data []byte)

	// Close runs once when the channel is torn down (recv and sent
	// CLOSE both seen), mirroring channel.h's closehandler/cleanup —
	// the hook for releasing a pty, killing a child process, or closing
	// a forwarded TCP socket.
	Close func(ch *Channel)
}

// Registry maps a CHANNEL_OPEN channel-type name to its ChanType.
// Looking up an unregistered name yields OpenUnknownChannelType, the
// channel.h SSH_OPEN_UNKNOWN_CHANNEL_TYPE behavior.
type Registry map[string]ChanType

// NewRegistry returns an empty Registry ready for Register calls.
func NewRegistry() Registry { return make(Registry) }

// Register adds or replaces the ChanType served under name.
func (r Registry) Register(name string, ct ChanType) { r[name] = ct }
