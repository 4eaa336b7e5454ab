// Package idgen generates the 128-bit random hex identifiers used for node
// ids, message ids, and lock secrets throughout wormhole.
package idgen

import "github.com/google/uuid"

// New returns a fresh 128-bit random id rendered as 32 lowercase hex
// characters (no dashes), matching the python reference's
// uuid.uuid4().hex convention.
func New() string {
	id := uuid.New()
	return hexNoDashes(id)
}

func hexNoDashes(id uuid.UUID) string {
	buf := make([]byte, 32)
	const hexDigits = "0123456789abcdef"
	for i, b := range id {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}
