// Package algo implements the SSH algorithm negotiation registry: ordered
// named-algorithm lists per category, name-list serialization, and the
// first-client-name-in-server-list matching rule of RFC 4253 §7.1.
//
// Copyright (c) 2017-2019 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
//
// golang implementation by Russ Magee (rmagee_at_gmail.com)
package algo

// KexGuess2 is Dropbear's guessed-kex-packet extension name, carried
// forward from algo.h's KEXGUESS2_ALGO_NAME so peers that both speak it can
// skip a round trip when their first guess matches.
const KexGuess2 = "kexguess2@matt.ucc.asn.au"

// Strict-kex and ext-info markers, advertised inside the kex name-list
// rather than negotiated as their own category (RFC 8308, OpenSSH's
// strict-kex hardening).
const (
	StrictKexClient = "kex-strict-c-v00@openssh.com"
	StrictKexServer = "kex-strict-s-v00@openssh.com"
	ExtInfoClient   = "ext-info-c"
	ExtInfoServer   = "ext-info-s"
)

// Kex algorithm names, each bound to a concrete implementation in transport.
const (
	KexCurve25519SHA256   = "curve25519-sha256"
	KexECDHSHA2NistP256   = "ecdh-sha2-nistp256"
	KexECDHSHA2NistP384   = "ecdh-sha2-nistp384"
	KexECDHSHA2NistP521   = "ecdh-sha2-nistp521"
	KexDHGroup14SHA256    = "diffie-hellman-group14-sha256"
	KexHybridSNTRUPLikeX25519 = "sntrup761x25519-sha512@openssh.com"
	KexHerradura          = "kex-herradura-sha256@blitter.com"
)

// Host-key/signature algorithm names. The core never instantiates a
// concrete signer; these are the names a Signer/Verifier may claim.
const (
	SigEd25519         = "ssh-ed25519"
	SigRSASHA256       = "rsa-sha2-256"
	SigRSASHA512       = "rsa-sha2-512"
	SigECDSANistP256   = "ecdsa-sha2-nistp256"
	SigECDSANistP384   = "ecdsa-sha2-nistp384"
	SigECDSANistP521   = "ecdsa-sha2-nistp521"
)

// Cipher algorithm names.
const (
	CipherAES256CTR       = "aes256-ctr"
	CipherAES256CBC       = "aes256-cbc"
	CipherChaCha20Poly1305 = "chacha20-poly1305@openssh.com"
	CipherTwofish256CTR   = "twofish256-ctr"
	CipherBlowfishCBC     = "blowfish-cbc"
	CipherCryptMT1        = "cryptmt1@blitter.com"
	CipherWanderer        = "wanderer@blitter.com"
)

// MAC algorithm names. AEAD ciphers report MACImplicit and are skipped in
// MAC negotiation entirely.
const (
	MACHMACSHA256 = "hmac-sha2-256"
	MACHMACSHA512 = "hmac-sha2-512"
	MACImplicit   = "<implicit>"
)

// Compression algorithm names.
const (
	CompNone = "none"
	CompZlib = "zlib@openssh.com"
)

// AEADCiphers names ciphers whose MAC negotiation is implicit.
var AEADCiphers = map[string]bool{
	CipherChaCha20Poly1305: true,
}

// Entry is one named algorithm slot in a category's preference list. Name
// is the wire identifier; Usable gates whether this process is able to
// select it (e.g. a host key algorithm with no loaded key is unusable).
type Entry struct {
	Name   string
	Usable bool
}

// List is an ordered, most-preferred-first set of algorithm entries for one
// negotiation category.
type List []Entry

// Names returns the usable entries' names in preference order, the form
// sent on the wire as a name-list.
func (l List) Names() []string {
	out := make([]string, 0, len(l))
	for _, e := range l {
		if e.Usable {
			out = append(out, e.Name)
		}
	}
	return out
}

// Has reports whether name appears (regardless of usability) in the list.
func (l List) Has(name string) bool {
	for _, e := range l {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Negotiate implements RFC 4253 §7.1: walk the client's list in order and
// pick the first name also present (and usable, per Entry.Usable) in the
// server's list. Returns ("", false) if no match exists.
func Negotiate(clientNames []string, server List) (string, bool) {
	for _, name := range clientNames {
		for _, e := range server {
			if e.Name == name && e.Usable {
				return name, true
			}
		}
	}
	return "", false
}

// GuessMatches implements the kexguess2/"first_kex_packet_follows" rule:
// the guessed algorithm is valid only if it is both parties' first
// preference, mirroring algo.h's buf_match_algo goodguess parameter.
func GuessMatches(clientFirst, serverFirst string) bool {
	return clientFirst == serverFirst
}

// Registry bundles every negotiation category for one side (client or
// server) of a KEXINIT exchange.
type Registry struct {
	Kex              List
	HostKey          List
	CipherC2S        List
	CipherS2C        List
	MACC2S           List
	MACS2C           List
	CompC2S          List
	CompS2C          List
	LanguagesC2S     List
	LanguagesS2C     List
}

// Negotiated is the outcome of matching a local Registry against a peer's
// advertised name-lists.
type Negotiated struct {
	Kex       string
	HostKey   string
	CipherC2S string
	CipherS2C string
	MACC2S    string
	MACS2C    string
	CompC2S   string
	CompS2C   string
}

// NegotiateAll walks every category in RFC 4253 order. peerIsClient
// indicates whether the peer name-lists originated from the client side of
// this handshake, which only affects which Registry field name-lists are
// compared against which (c2s lists always negotiate against c2s lists).
func NegotiateAll(local Registry, peerKex, peerHostKey, peerCipherC2S, peerCipherS2C, peerMACC2S, peerMACS2C, peerCompC2S, peerCompS2C []string) (Negotiated, error) {
	var n Negotiated
	var ok bool

	if n.Kex, ok = Negotiate(peerKex, local.Kex); !ok {
		return n, errNoCommonAlgorithm("kex")
	}
	if n.HostKey, ok = Negotiate(peerHostKey, local.HostKey); !ok {
		return n, errNoCommonAlgorithm("host key")
	}
	if n.CipherC2S, ok = Negotiate(peerCipherC2S, local.CipherC2S); !ok {
		return n, errNoCommonAlgorithm("client-to-server cipher")
	}
	if n.CipherS2C, ok = Negotiate(peerCipherS2C, local.CipherS2C); !ok {
		return n, errNoCommonAlgorithm("server-to-client cipher")
	}
	if AEADCiphers[n.CipherC2S] {
		n.MACC2S = MACImplicit
	} else if n.MACC2S, ok = Negotiate(peerMACC2S, local.MACC2S); !ok {
		return n, errNoCommonAlgorithm("client-to-server mac")
	}
	if AEADCiphers[n.CipherS2C] {
		n.MACS2C = MACImplicit
	} else if n.MACS2C, ok = Negotiate(peerMACS2C, local.MACS2C); !ok {
		return n, errNoCommonAlgorithm("server-to-client mac")
	}
	if n.CompC2S, ok = Negotiate(peerCompC2S, local.CompC2S); !ok {
		return n, errNoCommonAlgorithm("client-to-server compression")
	}
	if n.CompS2C, ok = Negotiate(peerCompS2C, local.CompS2C); !ok {
		return n, errNoCommonAlgorithm("server-to-client compression")
	}
	return n, nil
}

type negotiationError struct{ category string }

func (e *negotiationError) Error() string { return "algo: no common " + e.category + " algorithm" }

func errNoCommonAlgorithm(category string) error { return &negotiationError{category: category} }

// DefaultRegistry returns the standard preference order shipped by this
// core: strong modern algorithms first, vendor/legacy extensions last and
// never first-guessed.
func DefaultRegistry() Registry {
	return Registry{
		Kex: List{
			{Name: KexCurve25519SHA256, Usable: true},
			{Name: KexECDHSHA2NistP256, Usable: true},
			{Name: KexECDHSHA2NistP384, Usable: true},
			{Name: KexECDHSHA2NistP521, Usable: true},
			{Name: KexHybridSNTRUPLikeX25519, Usable: true},
			{Name: KexDHGroup14SHA256, Usable: true},
			{Name: KexHerradura, Usable: true},
		},
		HostKey: List{
			{Name: SigEd25519, Usable: true},
			{Name: SigECDSANistP256, Usable: true},
			{Name: SigECDSANistP384, Usable: true},
			{Name: SigECDSANistP521, Usable: true},
			{Name: SigRSASHA256, Usable: true},
			{Name: SigRSASHA512, Usable: true},
		},
		CipherC2S: defaultCipherList(),
		CipherS2C: defaultCipherList(),
		MACC2S:    defaultMACList(),
		MACS2C:    defaultMACList(),
		CompC2S:   defaultCompList(),
		CompS2C:   defaultCompList(),
	}
}

func defaultCipherList() List {
	return List{
		{Name: CipherChaCha20Poly1305, Usable: true},
		{Name: CipherAES256CTR, Usable: true},
		{Name: CipherAES256CBC, Usable: true},
		{Name: CipherTwofish256CTR, Usable: true},
		{Name: CipherBlowfishCBC, Usable: true},
		{Name: CipherCryptMT1, Usable: true},
		{Name: CipherWanderer, Usable: true},
	}
}

func defaultMACList() List {
	return List{
		{Name: MACHMACSHA256, Usable: true},
		{Name: MACHMACSHA512, Usable: true},
	}
}

func defaultCompList() List {
	return List{
		{Name: CompNone, Usable: true},
		{Name: CompZlib, Usable: true},
	}
}
