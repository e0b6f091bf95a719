// Package fingerprint computes the BLAKE3 digests used throughout the bridge:
// the envelope replay-cache key, and the deterministic nonce assigned to
// re-signed outbound envelopes.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Fingerprint returns the hex-encoded BLAKE3 digest of the length-prefixed
// concatenation of (sender, messageType, messageData). Two envelopes collide
// here iff all three fields are byte-identical.
func Fingerprint(sender, messageType string, messageData []byte) string {
	h := blake3.New(32, nil)
	writeLengthPrefixed(h, []byte(sender))
	writeLengthPrefixed(h, []byte(messageType))
	writeLengthPrefixed(h, messageData)
	return hex.EncodeToString(h.Sum(nil))
}

// DeterministicNonce derives the outbound fan-out nonce from a canonical
// natural-key identifier string: the first 8 bytes of BLAKE3(identifier),
// interpreted as a big-endian unsigned 64-bit integer.
func DeterministicNonce(identifier string) uint64 {
	h := blake3.New(32, nil)
	h.Write([]byte(identifier))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type lenWriter interface {
	Write(p []byte) (int, error)
}

func writeLengthPrefixed(w lenWriter, b []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	w.Write(lenBuf[:])
	w.Write(b)
}
