package transport

// SSH message numbers this core dispatches on (RFC 4253 §12, RFC 4254).
const (
	MsgDisconnect   = 1
	MsgIgnore       = 2
	MsgUnimplemented = 3
	MsgDebug        = 4
	MsgServiceRequest = 5
	MsgServiceAccept  = 6
	MsgExtInfo      = 7

	MsgKexInit = 20
	MsgNewKeys = 21

	// Per-method KEX packets all reuse 30/31 (init/reply); the core only
	// ever has one negotiated method active at a time, so there is no
	// ambiguity — mirrors OpenSSH's reuse of SSH_MSG_KEX_ECDH_INIT/REPLY
	// across curve25519/ECDH/classic-DH variants.
	MsgKexExchangeInit  = 30
	MsgKexExchangeReply = 31

	MsgUserAuthRequest = 50
	MsgUserAuthFailure = 51
	MsgUserAuthSuccess = 52
	MsgUserAuthBanner  = 53

	MsgGlobalRequest      = 80
	MsgRequestSuccess     = 81
	MsgRequestFailure     = 82
	MsgChannelOpen             = 90
	MsgChannelOpenConfirmation = 91
	MsgChannelOpenFailure      = 92
	MsgChannelWindowAdjust     = 93
	MsgChannelData             = 94
	MsgChannelExtendedData     = 95
	MsgChannelEOF              = 96
	MsgChannelClose            = 97
	MsgChannelRequest          = 98
	MsgChannelSuccess          = 99
	MsgChannelFailure          = 100
)

// Disconnect reason codes (RFC 4253 §11.1), used in the fatal-error paths
// named by §4.3/§4.7.
const (
	DisconnectProtocolError         = 2
	DisconnectMACError              = 6
	DisconnectAuthCancelledByUser   = 13
	DisconnectHostKeyNotVerifiable  = 14
)
