package betree

import (
	"crypto/md5"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest names the hash function keys are derived from.
type Digest string

const (
	// DigestMD5 matches the naming of stores written by earlier releases.
	DigestMD5 Digest = "md5"
	// DigestBLAKE3 is BLAKE3 truncated to 128 bits.
	DigestBLAKE3 Digest = "blake3"
)

const hashBlockSize = 8192

func (d Digest) newHash() (hash.Hash, error) {
	switch d {
	case DigestMD5, "":
		return md5.New(), nil
	case DigestBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unknown digest %q", string(d))
	}
}

// Valid reports whether d names a supported digest.
func (d Digest) Valid() bool {
	_, err := d.newHash()
	return err == nil
}

// HashReader derives the key of everything readable from r.
func HashReader(r io.Reader, d Digest) (Key, error) {
	h, err := d.newHash()
	if err != nil {
		return "", err
	}

	block := make([]byte, hashBlockSize)
	for {
		n, err := r.Read(block)
		h.Write(block[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: hashing: %w", ErrIO, err)
		}
	}

	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return EncodeKey(sum), nil
}

// HashFile derives the key of the file at path, reading it in fixed-size
// blocks.
func HashFile(path string, d Digest) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	key, err := HashReader(f, d)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}
