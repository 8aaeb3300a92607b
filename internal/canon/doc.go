// Package canon renders field values into a deterministic textual form and
// derives SHA-256 checksums from it.
//
// The canonical form is shared with the server-side verifier, so the rules in
// Canonicalise are a wire contract: changing any of them invalidates every
// before_checksum already issued.
//
// Rules:
//   - nil (and nil pointers) render as NullToken
//   - strings are trimmed; plain dates (YYYY-MM-DD) pass through; ISO-like
//     timestamps are re-emitted as UTC with millisecond precision
//   - numbers never use exponent notation; trailing fractional zeros are
//     dropped and -0 renders as 0
//   - booleans render as true/false
//   - arrays render as [a,b,...] in their original order
//   - objects render as {k1=v1|k2=v2} with keys sorted bytewise
package canon
