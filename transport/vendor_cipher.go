package transport

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"blitter.com/go/cryptmt"
	"blitter.com/go/wanderer"

	"blitter.com/go/xssh/algo"
)

// wandererBoxDim is the sbox width/height wanderer.New uses; per its own
// doc comment, values above 3 lose reachability coverage and 2 gives the
// most even distribution.
const wandererBoxDim = 2

// newVendorStream binds the two cipher suites carried forward from the
// teacher's own roster (xsnet/chan.go's CAlgCryptMT1 case, and the
// teacher's go.mod dependency on blitter.com/go/wanderer) as additional
// negotiable algorithms alongside the standard-library-backed ciphers in
// cipher.go.
func newVendorStream(name string, key []byte) (cipher.Stream, error) {
	switch name {
	case algo.CipherCryptMT1:
		return cryptmt.New(key), nil
	case algo.CipherWanderer:
		return wanderer.New(nil, nil, 0, key, wandererBoxDim, wandererBoxDim), nil
	default:
		return nil, errors.Errorf("transport: %q is not a vendor cipher", name)
	}
}

func isVendorCipher(name string) bool {
	return name == algo.CipherCryptMT1 || name == algo.CipherWanderer
}
