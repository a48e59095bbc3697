package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"blitter.com/go/xssh/algo"
	"blitter.com/go/xssh/wire"
)

// KEXState tracks the handshake-progress flags named in spec.md §3. It is
// the single source of truth for whether traffic may flow and whether a
// rekey is in flight.
type KEXState struct {
	SentKexInit bool
	RecvKexInit bool
	SentNewKeys bool
	RecvNewKeys bool

	ThemFirstFollows       bool
	OurFirstFollowsMatches bool

	DoneFirstKex  bool
	DoneSecondKex bool

	StrictKex bool

	SessionID []byte // immutable after first KEX, per step 5

	LastKexTime time.Time
}

// Handshake drives one full KEXINIT→KEX→NEWKEYS cycle (first KEX or a
// rekey) over Conn, which must already have version strings exchanged.
// Signer is required on the server side only — §4.4 step 4 has only the
// server authenticate via host key in this two-party core.
type Handshake struct {
	Conn       *Conn
	Local      algo.Registry
	IsServer   bool
	Signer     Signer
	VerifyHost func(blob []byte) error // client-side accept/reject hook for K_S

	localVersion, remoteVersion []byte

	state *KEXState

	pendingWrite  *cipherContext
	pendingWriteZ *Compressor
	pendingRead   *cipherContext
	pendingReadZ  *Compressor
}

func NewHandshake(conn *Conn, local algo.Registry, isServer bool) *Handshake {
	return &Handshake{Conn: conn, Local: local, IsServer: isServer, state: &KEXState{}}
}

func (hs *Handshake) State() *KEXState { return hs.state }

// SetVersions records the banners exchanged via exchangeVersions, needed
// as V_C/V_S inputs to the exchange hash.
func (hs *Handshake) SetVersions(local, remote string) {
	hs.localVersion = []byte(local)
	hs.remoteVersion = []byte(remote)
}

// Run executes KEXINIT negotiation, the negotiated method (including
// signature verification), key derivation, and NEWKEYS. On return the
// Conn has live cipher contexts installed in both directions.
func (hs *Handshake) Run() error {
	extInfo := true
	myInit := NewKexInit(hs.Local, hs.IsServer, extInfo)
	myInitPayload := append([]byte{MsgKexInit}, myInit.Marshal()...)
	if err := hs.Conn.WritePacket(myInitPayload); err != nil {
		return errors.Wrap(err, "transport: sending kexinit")
	}
	hs.state.SentKexInit = true

	peerPayload, err := hs.Conn.ReadPacket()
	if err != nil {
		return errors.Wrap(err, "transport: reading kexinit")
	}
	return hs.runWithPeerInit(myInit, peerPayload)
}

// RunRekey drives a rekey triggered by a KEXINIT the caller already read
// off the wire (the session loop's single reader has already consumed
// it as an ordinary incoming packet by the time it recognizes the
// message number). It sends this side's own KEXINIT exactly as Run does,
// then continues the exchange using peerPayload instead of issuing a
// second read — Run and RunRekey converge on the same runWithPeerInit
// tail so a rekey and the first KEX share identical negotiation,
// derivation, and NEWKEYS logic.
func (hs *Handshake) RunRekey(peerPayload []byte) error {
	extInfo := true
	myInit := NewKexInit(hs.Local, hs.IsServer, extInfo)
	myInitPayload := append([]byte{MsgKexInit}, myInit.Marshal()...)
	if err := hs.Conn.WritePacket(myInitPayload); err != nil {
		return errors.Wrap(err, "transport: sending kexinit")
	}
	hs.state.SentKexInit = true
	return hs.runWithPeerInit(myInit, peerPayload)
}

func (hs *Handshake) runWithPeerInit(myInit *KexInit, peerPayload []byte) error {
	if len(peerPayload) == 0 || peerPayload[0] != MsgKexInit {
		return ErrProtocol
	}
	peerInit := UnmarshalKexInit(peerPayload[1:])
	hs.state.RecvKexInit = true

	if !hs.state.DoneFirstKex {
		// Strict-kex is only negotiable on the very first KEXINIT.
		hs.state.StrictKex = hasStrictKex(peerInit, !hs.IsServer) && hasStrictKex(myInit, hs.IsServer)
		hs.Conn.SetStrictKex(hs.state.StrictKex)
	}
	hs.state.ThemFirstFollows = peerInit.FirstKexPacketFollows

	var clientInit, serverInit *KexInit
	if hs.IsServer {
		clientInit, serverInit = peerInit, myInit
	} else {
		clientInit, serverInit = myInit, peerInit
	}

	neg, err := algo.NegotiateAll(hs.Local,
		peerInit.KexAlgorithms, peerInit.ServerHostKeyAlgorithms,
		peerInit.CiphersC2S, peerInit.CiphersS2C,
		peerInit.MACsC2S, peerInit.MACsS2C,
		peerInit.CompC2S, peerInit.CompS2C,
	)
	if err != nil {
		return errors.Wrap(err, "transport: algorithm negotiation failed")
	}

	mr := &methodRun{
		hs:            hs,
		negKex:        neg.Kex,
		hashNew:       func() hash.Hash { return hashFuncFor(neg.Kex) },
		clientInitRaw: clientInit.Marshal(),
		serverInitRaw: serverInit.Marshal(),
	}

	H, K, hostKeyBlob, sigBlob, err := mr.run()
	if err != nil {
		return err
	}

	if !hs.IsServer {
		verifier, err := ParsePublicKey(hostKeyBlob)
		if err != nil {
			return errors.Wrap(err, "transport: parsing host key")
		}
		if err := verifier.Verify(H, sigBlob); err != nil {
			return errors.Wrap(err, "transport: host key signature verification failed")
		}
		if hs.VerifyHost != nil {
			if err := hs.VerifyHost(hostKeyBlob); err != nil {
				return errors.Wrap(err, "transport: host key rejected")
			}
		}
	}

	if hs.state.SessionID == nil {
		hs.state.SessionID = H
	}

	if err := hs.deriveAndInstall(neg, K, mr.hashNew, H); err != nil {
		return err
	}

	if err := hs.exchangeNewKeys(); err != nil {
		return err
	}

	if !hs.state.DoneFirstKex {
		hs.state.DoneFirstKex = true
		if hs.IsServer && hasExtInfo(peerInit, false) {
			if err := hs.sendExtInfo(); err != nil {
				return err
			}
		}
	} else {
		hs.state.DoneSecondKex = true
	}
	hs.state.LastKexTime = time.Now()
	hs.Conn.ResetRekeyAccounting()
	return nil
}

func writeHashString(h hash.Hash, s []byte) {
	b := wire.New(len(s) + 4)
	b.PutString(s)
	h.Write(b.Bytes())
}

func writeHashMPInt(h hash.Hash, v *big.Int) {
	b := wire.New(len(v.Bytes()) + 8)
	b.PutMPInt(v)
	h.Write(b.Bytes())
}

// writeHashK appends the shared value K in the encoding §4.4 [ADD]
// mandates: an mpint for every classical method, a length-prefixed raw
// string for the PQ-hybrid KDF output.
func writeHashK(h hash.Hash, kexAlgo string, K []byte) {
	if kexAlgo == algo.KexHybridSNTRUPLikeX25519 {
		writeHashString(h, K)
		return
	}
	writeHashMPInt(h, new(big.Int).SetBytes(K))
}

func hashFuncFor(kexAlgo string) hash.Hash {
	switch kexAlgo {
	case algo.KexECDHSHA2NistP384:
		return sha512.New384()
	case algo.KexECDHSHA2NistP521:
		return sha512.New()
	case algo.KexHybridSNTRUPLikeX25519:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// methodRun drives exactly one negotiated KEX method to completion,
// producing the exchange hash H, the shared secret K, the host key blob,
// and its signature over H.
type methodRun struct {
	hs            *Handshake
	negKex        string
	hashNew       func() hash.Hash
	clientInitRaw []byte
	serverInitRaw []byte
}

func (mr *methodRun) prefixHash() hash.Hash {
	h := mr.hashNew()
	writeHashString(h, mr.hs.localVersionOf(true))
	writeHashString(h, mr.hs.localVersionOf(false))
	writeHashString(h, mr.clientInitRaw)
	writeHashString(h, mr.serverInitRaw)
	return h
}

// localVersionOf(true) is always V_C, localVersionOf(false) always V_S,
// regardless of which side we are.
func (hs *Handshake) localVersionOf(wantClient bool) []byte {
	amClient := !hs.IsServer
	if wantClient == amClient {
		return hs.localVersion
	}
	return hs.remoteVersion
}

func (mr *methodRun) run() (H, K, hostKeyBlob, sigBlob []byte, err error) {
	hs := mr.hs
	switch mr.negKex {
	case algo.KexDHGroup14SHA256:
		return mr.runDH()
	case algo.KexCurve25519SHA256, algo.KexECDHSHA2NistP256, algo.KexECDHSHA2NistP384, algo.KexECDHSHA2NistP521:
		return mr.runECDH()
	case algo.KexHybridSNTRUPLikeX25519:
		return mr.runHybrid()
	case algo.KexHerradura:
		return mr.runHerradura()
	default:
		_ = hs
		return nil, nil, nil, nil, errors.Errorf("transport: kex method %q has no implementation bound", mr.negKex)
	}
}

func (mr *methodRun) signAndReply(h hash.Hash, hostKeyBlob []byte, extra func()) (H, sigBlob []byte, err error) {
	hs := mr.hs
	h.Write(hostKeyBlob)
	extra()
	H = h.Sum(nil)
	sigBlob, err = hs.Signer.Sign(rand.Reader, H)
	return H, sigBlob, err
}

// runDH implements NORMAL_DH (diffie-hellman-group14-sha256). Hash order:
// V_C, V_S, I_C, I_S, K_S, e, f, K.
func (mr *methodRun) runDH() (H, K, hostKeyBlob, sigBlob []byte, err error) {
	hs := mr.hs
	if !hs.IsServer {
		dh := newDHExchange(hs.Conn.rnd)
		init := wire.New(512)
		init.PutMPInt(dh.pub)
		if err := hs.Conn.WritePacket(append([]byte{MsgKexExchangeInit}, init.Bytes()...)); err != nil {
			return nil, nil, nil, nil, err
		}
		reply, err := hs.Conn.ReadPacket()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if len(reply) == 0 || reply[0] != MsgKexExchangeReply {
			return nil, nil, nil, nil, ErrProtocol
		}
		b := wire.NewFromBytes(reply[1:])
		hostKeyBlob = b.GetString()
		f := b.GetMPInt()
		sigBlob = b.GetString()

		kInt, err := dh.sharedSecret(f)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		h := mr.prefixHash()
		h.Write(hostKeyBlob)
		writeHashMPInt(h, dh.pub)
		writeHashMPInt(h, f)
		writeHashK(h, mr.negKex, kInt.Bytes())
		return h.Sum(nil), kInt.Bytes(), hostKeyBlob, sigBlob, nil
	}

	initPayload, err := hs.Conn.ReadPacket()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(initPayload) == 0 || initPayload[0] != MsgKexExchangeInit {
		return nil, nil, nil, nil, ErrProtocol
	}
	e := wire.NewFromBytes(initPayload[1:]).GetMPInt()

	dh := newDHExchange(hs.Conn.rnd)
	kInt, err := dh.sharedSecret(e)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	hostKeyBlob = hs.Signer.PublicKeyBlob()

	h := mr.prefixHash()
	H, sigBlob, err = mr.signAndReply(h, hostKeyBlob, func() {
		writeHashMPInt(h, e)
		writeHashMPInt(h, dh.pub)
		writeHashK(h, mr.negKex, kInt.Bytes())
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	reply := wire.New(1024)
	reply.PutString(hostKeyBlob)
	reply.PutMPInt(dh.pub)
	reply.PutString(sigBlob)
	if err := hs.Conn.WritePacket(append([]byte{MsgKexExchangeReply}, reply.Bytes()...)); err != nil {
		return nil, nil, nil, nil, err
	}
	return H, kInt.Bytes(), hostKeyBlob, sigBlob, nil
}

// runECDH implements curve25519-sha256 and ecdh-sha2-nistp*, unified by
// crypto/ecdh. Hash order mirrors RFC 5656: V_C, V_S, I_C, I_S, K_S, Q_C,
// Q_S, K.
func (mr *methodRun) runECDH() (H, K, hostKeyBlob, sigBlob []byte, err error) {
	hs := mr.hs
	if !hs.IsServer {
		ex, err := newEcdhExchange(mr.negKex)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		init := wire.New(256)
		init.PutString(ex.pubBlob)
		if err := hs.Conn.WritePacket(append([]byte{MsgKexExchangeInit}, init.Bytes()...)); err != nil {
			return nil, nil, nil, nil, err
		}
		reply, err := hs.Conn.ReadPacket()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if len(reply) == 0 || reply[0] != MsgKexExchangeReply {
			return nil, nil, nil, nil, ErrProtocol
		}
		b := wire.NewFromBytes(reply[1:])
		hostKeyBlob = b.GetString()
		serverPub := b.GetString()
		sigBlob = b.GetString()

		shared, err := ex.sharedSecret(serverPub)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		h := mr.prefixHash()
		h.Write(hostKeyBlob)
		writeHashString(h, ex.pubBlob)
		writeHashString(h, serverPub)
		writeHashK(h, mr.negKex, shared)
		return h.Sum(nil), shared, hostKeyBlob, sigBlob, nil
	}

	initPayload, err := hs.Conn.ReadPacket()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(initPayload) == 0 || initPayload[0] != MsgKexExchangeInit {
		return nil, nil, nil, nil, ErrProtocol
	}
	clientPub := wire.NewFromBytes(initPayload[1:]).GetString()

	ex, err := newEcdhExchange(mr.negKex)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	shared, err := ex.sharedSecret(clientPub)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	hostKeyBlob = hs.Signer.PublicKeyBlob()

	h := mr.prefixHash()
	H, sigBlob, err = mr.signAndReply(h, hostKeyBlob, func() {
		writeHashString(h, clientPub)
		writeHashString(h, ex.pubBlob)
		writeHashK(h, mr.negKex, shared)
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	reply := wire.New(1024)
	reply.PutString(hostKeyBlob)
	reply.PutString(ex.pubBlob)
	reply.PutString(sigBlob)
	if err := hs.Conn.WritePacket(append([]byte{MsgKexExchangeReply}, reply.Bytes()...)); err != nil {
		return nil, nil, nil, nil, err
	}
	return H, shared, hostKeyBlob, sigBlob, nil
}

// runHybrid implements sntrup761x25519-sha512@openssh.com-shaped PQ
// hybrid KEX. Hash order: V_C, V_S, I_C, I_S, K_S, clientInitBlob,
// serverReplyBlob, K (as a raw string per §4.4 [ADD]).
func (mr *methodRun) runHybrid() (H, K, hostKeyBlob, sigBlob []byte, err error) {
	hs := mr.hs
	if !hs.IsServer {
		state, initBlob, err := newHybridClientInit()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if err := hs.Conn.WritePacket(append([]byte{MsgKexExchangeInit}, initBlob...)); err != nil {
			return nil, nil, nil, nil, err
		}
		reply, err := hs.Conn.ReadPacket()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if len(reply) == 0 || reply[0] != MsgKexExchangeReply {
			return nil, nil, nil, nil, ErrProtocol
		}
		b := wire.NewFromBytes(reply[1:])
		hostKeyBlob = b.GetString()
		replyBlob := b.GetString()
		sigBlob = b.GetString()

		shared, err := state.clientFinish(replyBlob)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		h := mr.prefixHash()
		h.Write(hostKeyBlob)
		writeHashString(h, initBlob)
		writeHashString(h, replyBlob)
		writeHashK(h, mr.negKex, shared)
		return h.Sum(nil), shared, hostKeyBlob, sigBlob, nil
	}

	initPayload, err := hs.Conn.ReadPacket()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(initPayload) == 0 || initPayload[0] != MsgKexExchangeInit {
		return nil, nil, nil, nil, ErrProtocol
	}
	clientInitBlob := initPayload[1:]

	replyBlob, shared, err := serverRespondHybrid(clientInitBlob)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	hostKeyBlob = hs.Signer.PublicKeyBlob()

	h := mr.prefixHash()
	H, sigBlob, err = mr.signAndReply(h, hostKeyBlob, func() {
		writeHashString(h, clientInitBlob)
		writeHashString(h, replyBlob)
		writeHashK(h, mr.negKex, shared)
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	reply := wire.New(4096)
	reply.PutString(hostKeyBlob)
	reply.PutString(replyBlob)
	reply.PutString(sigBlob)
	if err := hs.Conn.WritePacket(append([]byte{MsgKexExchangeReply}, reply.Bytes()...)); err != nil {
		return nil, nil, nil, nil, err
	}
	return H, shared, hostKeyBlob, sigBlob, nil
}

// runHerradura implements kex-herradura-sha256@blitter.com, the vendor
// method carried over from the teacher. Hash order treats D_client/D_server
// like classical DH's e/f.
func (mr *methodRun) runHerradura() (H, K, hostKeyBlob, sigBlob []byte, err error) {
	hs := mr.hs
	if !hs.IsServer {
		ex := newHerraduraExchange()
		dClient := ex.publicValue()
		init := wire.New(2048)
		init.PutMPInt(dClient)
		if err := hs.Conn.WritePacket(append([]byte{MsgKexExchangeInit}, init.Bytes()...)); err != nil {
			return nil, nil, nil, nil, err
		}
		reply, err := hs.Conn.ReadPacket()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if len(reply) == 0 || reply[0] != MsgKexExchangeReply {
			return nil, nil, nil, nil, ErrProtocol
		}
		b := wire.NewFromBytes(reply[1:])
		hostKeyBlob = b.GetString()
		dServer := b.GetMPInt()
		sigBlob = b.GetString()

		shared, err := ex.sharedSecret(dServer)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		h := mr.prefixHash()
		h.Write(hostKeyBlob)
		writeHashMPInt(h, dClient)
		writeHashMPInt(h, dServer)
		writeHashK(h, mr.negKex, shared.Bytes())
		return h.Sum(nil), shared.Bytes(), hostKeyBlob, sigBlob, nil
	}

	initPayload, err := hs.Conn.ReadPacket()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if len(initPayload) == 0 || initPayload[0] != MsgKexExchangeInit {
		return nil, nil, nil, nil, ErrProtocol
	}
	dClient := wire.NewFromBytes(initPayload[1:]).GetMPInt()

	ex := newHerraduraExchange()
	dServer := ex.publicValue()
	shared, err := ex.sharedSecret(dClient)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	hostKeyBlob = hs.Signer.PublicKeyBlob()

	h := mr.prefixHash()
	H, sigBlob, err = mr.signAndReply(h, hostKeyBlob, func() {
		writeHashMPInt(h, dClient)
		writeHashMPInt(h, dServer)
		writeHashK(h, mr.negKex, shared.Bytes())
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	reply := wire.New(2048)
	reply.PutString(hostKeyBlob)
	reply.PutMPInt(dServer)
	reply.PutString(sigBlob)
	if err := hs.Conn.WritePacket(append([]byte{MsgKexExchangeReply}, reply.Bytes()...)); err != nil {
		return nil, nil, nil, nil, err
	}
	return H, shared.Bytes(), hostKeyBlob, sigBlob, nil
}

// deriveAndInstall computes the six RFC 4253 §7.2 keys and stages fresh
// cipher contexts for both directions; exchangeNewKeys installs them.
func (hs *Handshake) deriveAndInstall(neg algo.Negotiated, K []byte, newHash func() hash.Hash, H []byte) error {
	ivSizeC2S, err := ivSizeFor(neg.CipherC2S)
	if err != nil {
		return err
	}
	ivSizeS2C, err := ivSizeFor(neg.CipherS2C)
	if err != nil {
		return err
	}
	keySizeC2S, err := keySizeFor(neg.CipherC2S)
	if err != nil {
		return err
	}
	keySizeS2C, err := keySizeFor(neg.CipherS2C)
	if err != nil {
		return err
	}
	_, macLenC2S, err := macFuncForOrImplicit(neg.MACC2S)
	if err != nil {
		return err
	}
	_, macLenS2C, err := macFuncForOrImplicit(neg.MACS2C)
	if err != nil {
		return err
	}

	ivC2S := expandKey(newHash, K, H, 'A', hs.state.SessionID, ivSizeC2S)
	ivS2C := expandKey(newHash, K, H, 'B', hs.state.SessionID, ivSizeS2C)
	keyC2S := expandKey(newHash, K, H, 'C', hs.state.SessionID, keySizeC2S)
	keyS2C := expandKey(newHash, K, H, 'D', hs.state.SessionID, keySizeS2C)
	macC2S := expandKey(newHash, K, H, 'E', hs.state.SessionID, macLenC2S)
	macS2C := expandKey(newHash, K, H, 'F', hs.state.SessionID, macLenS2C)

	var writeCC, readCC *cipherContext
	var err1, err2 error
	if hs.IsServer {
		writeCC, err1 = newCipherContext(neg.CipherS2C, neg.MACS2C, keyS2C, ivS2C, macS2C, true)
		readCC, err2 = newCipherContext(neg.CipherC2S, neg.MACC2S, keyC2S, ivC2S, macC2S, false)
	} else {
		writeCC, err1 = newCipherContext(neg.CipherC2S, neg.MACC2S, keyC2S, ivC2S, macC2S, true)
		readCC, err2 = newCipherContext(neg.CipherS2C, neg.MACS2C, keyS2C, ivS2C, macS2C, false)
	}
	if err1 != nil {
		return err1
	}
	if err2 != nil {
		return err2
	}

	var writeCompName, readCompName string
	if hs.IsServer {
		writeCompName, readCompName = neg.CompS2C, neg.CompC2S
	} else {
		writeCompName, readCompName = neg.CompC2S, neg.CompS2C
	}
	writeZ, err := newCompressor(writeCompName)
	if err != nil {
		return err
	}
	readZ, err := newCompressor(readCompName)
	if err != nil {
		return err
	}

	hs.pendingWrite = writeCC
	hs.pendingWriteZ = writeZ
	hs.pendingRead = readCC
	hs.pendingReadZ = readZ
	return nil
}

// macFuncForOrImplicit returns a zero-length MAC for AEAD ciphers, whose
// MAC is folded into the cipher itself (algo.MACImplicit).
func macFuncForOrImplicit(name string) (macFunc, int, error) {
	if name == algo.MACImplicit || name == "" {
		return nil, 0, nil
	}
	return macFuncFor(name)
}

// expandKey implements RFC 4253 §7.2: key = HASH(K || H || X || session_id)
// extended by HASH(K || H || K1..) until length bytes are available.
func expandKey(newHash func() hash.Hash, K, H []byte, letter byte, sessionID []byte, length int) []byte {
	if length == 0 {
		return nil
	}
	kmp := wire.New(len(K) + 8)
	kmp.PutMPInt(new(big.Int).SetBytes(K))
	kBytes := kmp.Bytes()

	h := newHash()
	h.Write(kBytes)
	h.Write(H)
	h.Write([]byte{letter})
	h.Write(sessionID)
	out := h.Sum(nil)

	for len(out) < length {
		h2 := newHash()
		h2.Write(kBytes)
		h2.Write(H)
		h2.Write(out)
		out = append(out, h2.Sum(nil)...)
	}
	return out[:length]
}

// exchangeNewKeys sends/receives SSH_MSG_NEWKEYS and flips contexts per
// step 7: outgoing flips on send, incoming on receive.
func (hs *Handshake) exchangeNewKeys() error {
	if err := hs.Conn.WritePacket([]byte{MsgNewKeys}); err != nil {
		return errors.Wrap(err, "transport: sending newkeys")
	}
	hs.Conn.SetWriteCipher(hs.pendingWrite, hs.pendingWriteZ)
	hs.state.SentNewKeys = true

	payload, err := hs.Conn.ReadPacket()
	if err != nil {
		return errors.Wrap(err, "transport: reading newkeys")
	}
	if len(payload) != 1 || payload[0] != MsgNewKeys {
		return ErrProtocol
	}
	hs.Conn.SetReadCipher(hs.pendingRead, hs.pendingReadZ)
	hs.state.RecvNewKeys = true
	return nil
}

// sendExtInfo emits SSH_MSG_EXT_INFO immediately after the server's first
// NEWKEYS, per §4.4's Ext-info paragraph. server-sig-algs is the only
// extension this core advertises.
func (hs *Handshake) sendExtInfo() error {
	b := wire.New(256)
	b.PutUint32(1)
	b.PutString([]byte("server-sig-algs"))
	nl := wire.New(256)
	nl.PutNameList(hs.Local.HostKey.Names())
	b.PutString(nl.Bytes())
	payload := append([]byte{MsgExtInfo}, b.Bytes()...)
	return hs.Conn.WritePacket(payload)
}
