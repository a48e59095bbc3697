package transport

import (
	"math/big"

	hkex "blitter.com/go/herradurakex"
	"github.com/pkg/errors"
)

// kex-herradura-sha256@blitter.com is a vendor KEX method carried over
// from the teacher: xsnet/net.go's HKExDialSetup negotiates it via
// hkex.New(i,p), .D()/.SetPeerD()/.PeerD()/.ComputeFA()/.FA() — the real
// published module's API, not the stale no-getter copy vendored at the
// teacher repo's root. (2048, 512) matches net.go's KEX_HERRADURA2048 pair.
const (
	herraduraI = 2048
	herraduraP = 512
)

type herraduraExchange struct {
	hx *hkex.HerraduraKEx
}

func newHerraduraExchange() *herraduraExchange {
	return &herraduraExchange{hx: hkex.New(herraduraI, herraduraP)}
}

// publicValue returns D, this side's public Herradura value, encoded as
// an mpint for the wire.
func (h *herraduraExchange) publicValue() *big.Int {
	return h.hx.D()
}

// sharedSecret binds the peer's D and computes FA, the shared secret.
func (h *herraduraExchange) sharedSecret(peerD *big.Int) (*big.Int, error) {
	if peerD == nil || peerD.Sign() <= 0 {
		return nil, errors.New("transport: invalid herradura peer value")
	}
	h.hx.SetPeerD(peerD)
	if h.hx.PeerD() == nil {
		return nil, errors.New("transport: herradura peer value not accepted")
	}
	h.hx.ComputeFA()
	return h.hx.FA(), nil
}
