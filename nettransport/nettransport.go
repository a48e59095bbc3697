// Package nettransport chooses the raw byte-stream transport cmd/xsshd
// and cmd/xssh hand to transport.NewConn: a plain TCP net.Conn, or a
// github.com/xtaci/kcp-go reliable-UDP session when "-proto kcp" is
// selected. The packet engine itself is transport-agnostic (any
// io.ReadWriteCloser); this package only exists so both binaries share
// one dial/listen switch instead of duplicating it.
//
// Grounded on _examples/isgasho-xs/xsnet/net.go's Dial/Listen — which
// branch on a protocol string between net.Dial/net.Listen and the
// teacher's own kcpDial/kcpListen — and hkexnet/kcp.go's KCPAlg
// constants and pbkdf2-derived BlockCrypt key material.
package nettransport

import (
	"crypto/sha1"
	"net"

	kcp "github.com/xtaci/kcp-go"
	"golang.org/x/crypto/pbkdf2"

	"github.com/pkg/errors"
)

// KCPAlg names a kcp-go symmetric BlockCrypt algorithm, carried forward
// from the teacher's KCPAlg roster.
type KCPAlg int

const (
	KCPNone KCPAlg = iota
	KCPAES
	KCPBlowfish
	KCPCast5
	KCPSM4
	KCPSalsa20
	KCPSimpleXOR
	KCPTEA
	KCP3DES
	KCPTwofish
	KCPXTEA
)

// ParseKCPAlg maps a flag string onto a KCPAlg, defaulting to KCPAES for
// an unrecognized or empty name (kcp-go's own fallback in the teacher's
// getKCPalgnum).
func ParseKCPAlg(name string) KCPAlg {
	switch name {
	case "none", "KCP_NONE":
		return KCPNone
	case "blowfish", "KCP_BLOWFISH":
		return KCPBlowfish
	case "cast5", "KCP_CAST5":
		return KCPCast5
	case "sm4", "KCP_SM4":
		return KCPSM4
	case "salsa20", "KCP_SALSA20":
		return KCPSalsa20
	case "xor", "KCP_SIMPLEXOR":
		return KCPSimpleXOR
	case "tea", "KCP_TEA":
		return KCPTEA
	case "3des", "KCP_3DES":
		return KCP3DES
	case "twofish", "KCP_TWOFISH":
		return KCPTwofish
	case "xtea", "KCP_XTEA":
		return KCPXTEA
	default:
		return KCPAES
	}
}

func newBlockCrypt(alg KCPAlg, key []byte) (kcp.BlockCrypt, error) {
	switch alg {
	case KCPNone:
		return kcp.NewNoneBlockCrypt(key)
	case KCPBlowfish:
		return kcp.NewBlowfishBlockCrypt(key)
	case KCPCast5:
		return kcp.NewCast5BlockCrypt(key)
	case KCPSM4:
		return kcp.NewSM4BlockCrypt(key)
	case KCPSalsa20:
		return kcp.NewSalsa20BlockCrypt(key)
	case KCPSimpleXOR:
		return kcp.NewSimpleXORBlockCrypt(key)
	case KCPTEA:
		return kcp.NewTEABlockCrypt(key)
	case KCP3DES:
		return kcp.NewTripleDESBlockCrypt(key)
	case KCPTwofish:
		return kcp.NewTwofishBlockCrypt(key)
	case KCPXTEA:
		return kcp.NewXTEABlockCrypt(key)
	default:
		return kcp.NewAESBlockCrypt(key)
	}
}

// deriveKey stretches a pre-shared passphrase into kcp-go's 32-byte key
// material, matching hkexnet/kcp.go's own pbkdf2.Key(..., 1024, 32,
// sha1.New) call exactly.
func deriveKey(psk, salt string) []byte {
	return pbkdf2.Key([]byte(psk), []byte(salt), 1024, 32, sha1.New)
}

// Dial connects to addr over either "tcp" or "kcp". psk/salt are only
// used (and required) for "kcp" — they derive the KCP session's
// BlockCrypt key, standing in for the transport-layer confidentiality
// TCP gets for free; the xssh cipher negotiated over this stream
// supplies the real end-to-end security regardless of proto.
func Dial(proto, addr string, alg KCPAlg, psk, salt string) (net.Conn, error) {
	switch proto {
	case "", "tcp":
		return net.Dial("tcp", addr)
	case "kcp":
		if psk == "" {
			return nil, errors.New("nettransport: kcp proto requires a non-empty pre-shared key")
		}
		block, err := newBlockCrypt(alg, deriveKey(psk, salt))
		if err != nil {
			return nil, errors.Wrap(err, "nettransport: kcp block crypt")
		}
		return kcp.DialWithOptions(addr, block, 10, 3)
	default:
		return nil, errors.Errorf("nettransport: unknown proto %q", proto)
	}
}

// Listen accepts connections on addr over either "tcp" or "kcp".
func Listen(proto, addr string, alg KCPAlg, psk, salt string) (net.Listener, error) {
	switch proto {
	case "", "tcp":
		return net.Listen("tcp", addr)
	case "kcp":
		if psk == "" {
			return nil, errors.New("nettransport: kcp proto requires a non-empty pre-shared key")
		}
		block, err := newBlockCrypt(alg, deriveKey(psk, salt))
		if err != nil {
			return nil, errors.Wrap(err, "nettransport: kcp block crypt")
		}
		return kcp.ListenWithOptions(addr, block, 10, 3)
	default:
		return nil, errors.Errorf("nettransport: unknown proto %q", proto)
	}
}
