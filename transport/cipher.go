package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/twofish"

	"blitter.com/go/xssh/algo"
)

// macFunc constructs a fresh hash.Hash for HMAC given a key, used by the
// non-AEAD "encrypt-then-MAC"-shaped path. Grounded on xsnet/chan.go's
// cipheropts-driven dispatch over crypto/sha256 and crypto/sha512.
type macFunc func(key []byte) hash.Hash

func macFuncFor(name string) (macFunc, int, error) {
	switch name {
	case algo.MACHMACSHA256:
		return func(key []byte) hash.Hash { return hmac.New(sha256.New, key) }, sha256.Size, nil
	case algo.MACHMACSHA512:
		return func(key []byte) hash.Hash { return hmac.New(sha512.New, key) }, sha512.Size, nil
	default:
		return nil, 0, errors.Errorf("transport: unsupported mac algorithm %q", name)
	}
}

// keySizeFor returns the symmetric key length a cipher algorithm requires,
// used when deriving the six RFC 4253 §7.2 keys.
func keySizeFor(name string) (int, error) {
	switch name {
	case algo.CipherAES256CTR, algo.CipherAES256CBC:
		return 32, nil
	case algo.CipherChaCha20Poly1305:
		return chacha20poly1305.KeySize, nil
	case algo.CipherTwofish256CTR:
		return 32, nil
	case algo.CipherBlowfishCBC:
		return 24, nil
	case algo.CipherCryptMT1:
		return 32, nil
	case algo.CipherWanderer:
		return 32, nil
	default:
		return 0, errors.Errorf("transport: unsupported cipher algorithm %q", name)
	}
}

// ivSizeFor returns the IV/nonce length a cipher algorithm requires.
func ivSizeFor(name string) (int, error) {
	switch name {
	case algo.CipherAES256CTR, algo.CipherAES256CBC:
		return aes.BlockSize, nil
	case algo.CipherChaCha20Poly1305:
		return chacha20poly1305.NonceSize, nil
	case algo.CipherTwofish256CTR:
		return twofish.BlockSize, nil
	case algo.CipherBlowfishCBC:
		return blowfish.BlockSize, nil
	case algo.CipherCryptMT1:
		return 16, nil
	case algo.CipherWanderer:
		return 16, nil
	default:
		return 0, errors.Errorf("transport: unsupported cipher algorithm %q", name)
	}
}

// blockSizeFor returns the padding-alignment block size for a cipher. AEAD
// and stream ciphers still round to 8 per RFC 4253 §6 minimum.
func blockSizeFor(name string) int {
	switch name {
	case algo.CipherAES256CBC:
		return aes.BlockSize
	case algo.CipherBlowfishCBC:
		return blowfish.BlockSize
	default:
		return 8
	}
}

// AEAD packet length is sent in the clear alongside the ciphertext (this
// core's simplification of OpenSSH's length-encrypting variant); the
// 4-byte length is the associated data, and the tag covers it together
// with the sealed remainder of the packet.
func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	switch name {
	case algo.CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, errors.Errorf("transport: %q is not an AEAD cipher", name)
	}
}

// cbcStream adapts a block-mode cipher.BlockMode (CBC encrypter or
// decrypter) to the cipher.Stream interface this engine uses uniformly
// for every cipher. Every call must carry a whole multiple of the block
// size — guaranteed by the packet engine's framing (see packet.go's
// WritePacket/readMACPacket), which always hands CBC either one full
// block or a remainder sized to a block multiple.
type cbcStream struct {
	mode      cipher.BlockMode
	blockSize int
}

func (s *cbcStream) XORKeyStream(dst, src []byte) {
	if len(src)%s.blockSize != 0 {
		panic("transport: CBC stream given a non-block-aligned chunk")
	}
	if len(src) == 0 {
		return
	}
	s.mode.CryptBlocks(dst[:len(src)], src)
}

func newStream(name string, key, iv []byte, encrypt bool) (cipher.Stream, error) {
	switch name {
	case algo.CipherAES256CTR:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewCTR(block, iv), nil
	case algo.CipherAES256CBC:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return newCBCStream(block, iv, aes.BlockSize, encrypt), nil
	case algo.CipherTwofish256CTR:
		block, err := twofish.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewCTR(block, iv), nil
	case algo.CipherBlowfishCBC:
		block, err := blowfish.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return newCBCStream(block, iv, blowfish.BlockSize, encrypt), nil
	default:
		return nil, errors.Errorf("transport: %q has no stream-cipher binding here (see vendor ciphers)", name)
	}
}

func newCBCStream(block cipher.Block, iv []byte, blockSize int, encrypt bool) cipher.Stream {
	if encrypt {
		return &cbcStream{mode: cipher.NewCBCEncrypter(block, iv), blockSize: blockSize}
	}
	return &cbcStream{mode: cipher.NewCBCDecrypter(block, iv), blockSize: blockSize}
}

// isAEAD reports whether name is negotiated as an AEAD cipher.
func isAEAD(name string) bool { return algo.AEADCiphers[name] }

// newCipherStream dispatches to the stdlib-backed ciphers above or, for
// the two vendor extensions, to vendor_cipher.go. encrypt selects CBC
// encrypt vs decrypt direction; it is ignored by stream-shaped ciphers.
func newCipherStream(name string, key, iv []byte, encrypt bool) (cipher.Stream, error) {
	if isVendorCipher(name) {
		return newVendorStream(name, key)
	}
	return newStream(name, key, iv, encrypt)
}
