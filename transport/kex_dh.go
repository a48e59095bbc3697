package transport

import (
	"math/big"

	"github.com/pkg/errors"
)

// dhGroup is a multiplicative group for classical Diffie-Hellman, grounded
// on common.go's dhGroup/diffieHellman shape from the reference x/crypto/ssh
// snapshot in the pack.
type dhGroup struct {
	g, p *big.Int
}

// dhGroup14 is the 2048-bit MODP group from RFC 3526 §3 ("group14"),
// matching algo.KexDHGroup14SHA256.
var dhGroup14 = &dhGroup{
	g: big.NewInt(2),
	p: mustBigHex("" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
		"129024E088A67CC74020BBEA63B139B22514A08798E3404" +
		"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C" +
		"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B" +
		"7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45" +
		"B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24C" +
		"F5F83655D23DCA3AD961C62F356208552BB9ED529077096" +
		"966D670C354E4ABC9804F1746C08CA18217C32905E462E3" +
		"6CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4" +
		"C52C9DE2BCBF6955817183995497CEA956AE515D2261898F" +
		"A051015728E5A8AACAA68FFFFFFFFFFFFFFFF"),
}

func mustBigHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("transport: invalid embedded group14 prime")
	}
	return v
}

// dhExchange holds one side's ephemeral DH exponent for group14.
type dhExchange struct {
	group *dhGroup
	x     *big.Int // private exponent
	pub   *big.Int // g^x mod p
}

func newDHExchange(rnd interface {
	GenMPInt(max *big.Int) *big.Int
}) *dhExchange {
	// x in (1, q-1); q = (p-1)/2 for a safe prime, but RFC 4253 permits the
	// simpler (1, p-1) range used by most implementations including the
	// reference client.go. Rejection-sample via the shared hash-chain rnd
	// source (§4.8) rather than math/big's own (unseeded-by-us) reader.
	one := big.NewInt(1)
	x := rnd.GenMPInt(new(big.Int).Sub(dhGroup14.p, one))
	for x.Cmp(one) <= 0 {
		x = rnd.GenMPInt(new(big.Int).Sub(dhGroup14.p, one))
	}
	pub := new(big.Int).Exp(dhGroup14.g, x, dhGroup14.p)
	return &dhExchange{group: dhGroup14, x: x, pub: pub}
}

// sharedSecret computes K = peerPub^x mod p, rejecting out-of-range peer
// values per common.go's diffieHellman bounds check.
func (d *dhExchange) sharedSecret(peerPub *big.Int) (*big.Int, error) {
	if peerPub.Sign() <= 0 || peerPub.Cmp(d.group.p) >= 0 {
		return nil, errors.New("transport: dh peer public value out of range")
	}
	return new(big.Int).Exp(peerPub, d.x, d.group.p), nil
}
