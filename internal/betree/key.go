package betree

import (
	"math/big"
	"strings"
)

// Key is the content-derived identifier of a stored file. Keys compare as
// plain strings.
type Key string

const (
	keyAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// KeyLength is the width of an encoded 128-bit digest. 62^22 > 2^128.
	KeyLength = 22
)

// EncodeKey renders a 16-byte digest as a fixed-width base62 key. The
// alphabet is in ASCII order and the result is left-padded, so string order
// equals numeric order of the digests.
func EncodeKey(sum [16]byte) Key {
	n := new(big.Int).SetBytes(sum[:])
	base := big.NewInt(int64(len(keyAlphabet)))
	rem := new(big.Int)

	var buf [KeyLength]byte
	for i := KeyLength - 1; i >= 0; i-- {
		n.QuoRem(n, base, rem)
		buf[i] = keyAlphabet[rem.Int64()]
	}
	return Key(buf[:])
}

// ValidKey reports whether s is a well-formed key produced by EncodeKey.
func ValidKey(s string) bool {
	if len(s) != KeyLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(keyAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
