package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"os/user"
	"testing"

	passlib "gopkg.in/hlandau/passlib.v1"

	"github.com/stretchr/testify/require"

	"blitter.com/go/xssh/transport"
	"blitter.com/go/xssh/wire"
)

// passlibHashForTest produces a passlib-verifiable hash for password,
// standing in for a real /etc/shadow crypt string in these tests.
func passlibHashForTest(password string) (string, error) {
	passlib.UseDefaults(passlib.Defaults20180601)
	return passlib.Hash(password)
}

func fakeCtx(shadow string) *Ctx {
	return &Ctx{
		ReadFile:   func(string) ([]byte, error) { return []byte(shadow), nil },
		UserLookup: func(string) (*user.User, error) { return &user.User{Username: "alice"}, nil },
	}
}

func encodeUserAuthRequest(username, service, method string, methodData []byte) []byte {
	b := wire.New(256 + len(methodData))
	b.PutString([]byte(username))
	b.PutString([]byte(service))
	b.PutString([]byte(method))
	b.PutBytes(methodData)
	return b.Bytes()
}

func TestGateBlocksChannelOpenPreAuth(t *testing.T) {
	s := NewSession(NewCtx(), NewRegistry())
	require.Error(t, s.Gate(transport.MsgChannelOpen))
	require.NoError(t, s.Gate(transport.MsgUserAuthRequest))
	require.NoError(t, s.Gate(transport.MsgKexInit))
}

func TestGateAllowsEverythingAfterDone(t *testing.T) {
	s := NewSession(NewCtx(), NewRegistry())
	s.done = true
	require.NoError(t, s.Gate(transport.MsgChannelOpen))
}

func TestPasswordMethodSuccess(t *testing.T) {
	// bcrypt hash of "correct horse" via passlib's default scheme is
	// awkward to construct inline; instead a permissive test hash is
	// used via passlib's own Hash() to keep the round trip self-contained.
	hash, err := passlibHashForTest("correct horse")
	require.NoError(t, err)
	shadow := "alice:" + hash + ":18000:0:99999:7:::\n"

	reg := NewRegistry()
	reg.Register("password", PasswordMethod("/etc/shadow"))
	s := NewSession(fakeCtx(shadow), reg)

	req := encodeUserAuthRequest("alice", "ssh-connection", "password", passwordMethodData("correct horse"))
	reply, err := s.HandleRequest(req)
	require.NoError(t, err)
	require.Equal(t, []byte{transport.MsgUserAuthSuccess}, reply)
	require.True(t, s.Done())
	require.Equal(t, "alice", s.Username())
}

func TestPasswordMethodWrongPassword(t *testing.T) {
	hash, err := passlibHashForTest("correct horse")
	require.NoError(t, err)
	shadow := "alice:" + hash + ":18000:0:99999:7:::\n"

	reg := NewRegistry()
	reg.Register("password", PasswordMethod("/etc/shadow"))
	s := NewSession(fakeCtx(shadow), reg)

	req := encodeUserAuthRequest("alice", "ssh-connection", "password", passwordMethodData("wrong"))
	reply, err := s.HandleRequest(req)
	require.NoError(t, err)
	require.False(t, s.Done())
	require.Equal(t, byte(transport.MsgUserAuthFailure), reply[0])
}

func TestPasswordMethodUnknownUserDoesNotError(t *testing.T) {
	hash, err := passlibHashForTest("correct horse")
	require.NoError(t, err)
	shadow := "bob:" + hash + ":18000:0:99999:7:::\n"

	reg := NewRegistry()
	reg.Register("password", PasswordMethod("/etc/shadow"))
	s := NewSession(fakeCtx(shadow), reg)

	req := encodeUserAuthRequest("alice", "ssh-connection", "password", passwordMethodData("correct horse"))
	reply, err := s.HandleRequest(req)
	require.NoError(t, err)
	require.False(t, s.Done())
	require.Equal(t, byte(transport.MsgUserAuthFailure), reply[0])
}

func TestUnknownMethodFails(t *testing.T) {
	s := NewSession(NewCtx(), NewRegistry())
	req := encodeUserAuthRequest("alice", "ssh-connection", "keyboard-interactive", nil)
	reply, err := s.HandleRequest(req)
	require.NoError(t, err)
	require.Equal(t, byte(transport.MsgUserAuthFailure), reply[0])
}

func TestPublicKeyMethodSignedSuccess(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := &transport.Ed25519Signer{Priv: priv}
	keyBlob := signer.PublicKeyBlob()

	lookup := func(ctx *Ctx, username string) ([][]byte, error) {
		return [][]byte{keyBlob}, nil
	}
	reg := NewRegistry()
	reg.Register("publickey", PublicKeyMethod(lookup))

	sessionID := []byte("fixed-session-id-for-test")
	ctx := &Ctx{SessionID: sessionID}
	s := NewSession(ctx, reg)

	signedData := publicKeySignedData(sessionID, "alice", "ssh-connection", signer.Algorithm(), keyBlob)
	sigBlob, err := signer.Sign(rand.Reader, signedData)
	require.NoError(t, err)

	mb := wire.New(1024)
	mb.PutBool(true)
	mb.PutString([]byte(signer.Algorithm()))
	mb.PutString(keyBlob)
	mb.PutString(sigBlob)

	req := encodeUserAuthRequest("alice", "ssh-connection", "publickey", mb.Bytes())
	reply, err := s.HandleRequest(req)
	require.NoError(t, err)
	require.Equal(t, []byte{transport.MsgUserAuthSuccess}, reply)
	_ = pub
}

func TestPublicKeyMethodUnauthorizedKeyFails(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := &transport.Ed25519Signer{Priv: priv}
	keyBlob := signer.PublicKeyBlob()

	lookup := func(ctx *Ctx, username string) ([][]byte, error) { return nil, nil }
	reg := NewRegistry()
	reg.Register("publickey", PublicKeyMethod(lookup))
	s := NewSession(&Ctx{}, reg)

	mb := wire.New(1024)
	mb.PutBool(false)
	mb.PutString([]byte(signer.Algorithm()))
	mb.PutString(keyBlob)

	req := encodeUserAuthRequest("alice", "ssh-connection", "publickey", mb.Bytes())
	reply, err := s.HandleRequest(req)
	require.NoError(t, err)
	require.Equal(t, byte(transport.MsgUserAuthFailure), reply[0])
}

func passwordMethodData(password string) []byte {
	b := wire.New(8 + len(password))
	b.PutBool(false)
	b.PutString([]byte(password))
	return b.Bytes()
}
