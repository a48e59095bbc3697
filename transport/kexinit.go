package transport

import (
	"blitter.com/go/xssh/algo"
	"blitter.com/go/xssh/rnd"
	"blitter.com/go/xssh/wire"
)

// KexInit is one side's SSH_MSG_KEXINIT payload: a random cookie plus the
// ten algorithm name-lists, the guessed-kex follow-on flag, and a
// reserved field (§4.4 step 2).
type KexInit struct {
	Cookie                  [16]byte
	KexAlgorithms           []string
	ServerHostKeyAlgorithms []string
	CiphersC2S              []string
	CiphersS2C              []string
	MACsC2S                 []string
	MACsS2C                 []string
	CompC2S                 []string
	CompS2C                 []string
	LanguagesC2S            []string
	LanguagesS2C            []string
	FirstKexPacketFollows   bool
}

// NewKexInit builds a KexInit from a local Registry, appending the
// strict-kex and ext-info markers to the kex name-list per §4.2 [ADD].
func NewKexInit(reg algo.Registry, isServer, extInfo bool) *KexInit {
	ki := &KexInit{
		KexAlgorithms:           append(append([]string{}, reg.Kex.Names()...)),
		ServerHostKeyAlgorithms: reg.HostKey.Names(),
		CiphersC2S:              reg.CipherC2S.Names(),
		CiphersS2C:              reg.CipherS2C.Names(),
		MACsC2S:                 reg.MACC2S.Names(),
		MACsS2C:                 reg.MACS2C.Names(),
		CompC2S:                 reg.CompC2S.Names(),
		CompS2C:                 reg.CompS2C.Names(),
	}
	if isServer {
		ki.KexAlgorithms = append(ki.KexAlgorithms, algo.StrictKexServer)
		if extInfo {
			ki.KexAlgorithms = append(ki.KexAlgorithms, algo.ExtInfoServer)
		}
	} else {
		ki.KexAlgorithms = append(ki.KexAlgorithms, algo.StrictKexClient)
		if extInfo {
			ki.KexAlgorithms = append(ki.KexAlgorithms, algo.ExtInfoClient)
		}
	}
	copy(ki.Cookie[:], rnd.Default().Padding(16))
	return ki
}

// Marshal encodes the KEXINIT body (without the leading message-number
// byte, added by the caller) into a fresh wire.Buffer.
func (k *KexInit) Marshal() []byte {
	b := wire.New(4096)
	b.PutBytes(k.Cookie[:])
	b.PutNameList(k.KexAlgorithms)
	b.PutNameList(k.ServerHostKeyAlgorithms)
	b.PutNameList(k.CiphersC2S)
	b.PutNameList(k.CiphersS2C)
	b.PutNameList(k.MACsC2S)
	b.PutNameList(k.MACsS2C)
	b.PutNameList(k.CompC2S)
	b.PutNameList(k.CompS2C)
	b.PutNameList(k.LanguagesC2S)
	b.PutNameList(k.LanguagesS2C)
	b.PutBool(k.FirstKexPacketFollows)
	b.PutUint32(0) // reserved
	return b.Bytes()
}

// UnmarshalKexInit parses a received KEXINIT body.
func UnmarshalKexInit(payload []byte) *KexInit {
	b := wire.NewFromBytes(payload)
	ki := &KexInit{}
	copy(ki.Cookie[:], b.GetBytes(16))
	ki.KexAlgorithms = b.GetNameList()
	ki.ServerHostKeyAlgorithms = b.GetNameList()
	ki.CiphersC2S = b.GetNameList()
	ki.CiphersS2C = b.GetNameList()
	ki.MACsC2S = b.GetNameList()
	ki.MACsS2C = b.GetNameList()
	ki.CompC2S = b.GetNameList()
	ki.CompS2C = b.GetNameList()
	ki.LanguagesC2S = b.GetNameList()
	ki.LanguagesS2C = b.GetNameList()
	ki.FirstKexPacketFollows = b.GetBool()
	_ = b.GetUint32() // reserved
	return ki
}

// hasStrictKex reports whether a KEXINIT's kex name-list advertises the
// strict-kex marker appropriate for the sender's role.
func hasStrictKex(ki *KexInit, senderIsServer bool) bool {
	marker := algo.StrictKexClient
	if senderIsServer {
		marker = algo.StrictKexServer
	}
	for _, n := range ki.KexAlgorithms {
		if n == marker {
			return true
		}
	}
	return false
}

func hasExtInfo(ki *KexInit, senderIsServer bool) bool {
	marker := algo.ExtInfoClient
	if senderIsServer {
		marker = algo.ExtInfoServer
	}
	for _, n := range ki.KexAlgorithms {
		if n == marker {
			return true
		}
	}
	return false
}

// The exchange hash H itself is built directly against a hash.Hash in
// kex.go's writeHashString/writeHashMPInt/writeHashK — §4.4 [ADD]'s two
// distinct writer paths for classical vs PQ-hybrid K live there, next to
// the per-method KEX code that calls them, rather than in a standalone
// buffering type here.
