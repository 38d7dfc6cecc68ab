// Package quantize converts float patch embeddings into packed sign-bit
// signatures for compact storage and Hamming-distance matching.
package quantize

import "github.com/kailas-cloud/visidex/internal/domain"

// Pack maps each float component to a single bit (strictly positive -> 1,
// else 0) and packs 8 bits per byte, most-significant-bit first. The final
// byte is zero-padded when the dimension is not a multiple of 8.
//
// Pack is pure and deterministic. It is lossy by design: sub-bit magnitude
// information is discarded, and the external index retains full-precision
// vectors for rescoring on its own.
func Pack(vec []float32) []byte {
	out := make([]byte, (len(vec)+7)/8)
	for i, v := range vec {
		if v > 0 {
			out[i/8] |= 1 << (7 - uint(i)%8)
		}
	}
	return out
}

// PackPatches quantizes every patch vector of a page embedding independently.
// Patches are never mixed; the output index i corresponds to input patch i.
func PackPatches(emb domain.PatchEmbedding) domain.BinarySignature {
	sig := make(domain.BinarySignature, len(emb))
	for i, vec := range emb {
		sig[i] = Pack(vec)
	}
	return sig
}
