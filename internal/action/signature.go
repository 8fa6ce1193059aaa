package action

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// signatureHexLen keeps signatures short enough for log lines while leaving
// 128 bits of the digest.
const signatureHexLen = 32

// Signature returns the normalized signature used to key remembered policy
// decisions. It always embeds the kind, so a decision for one category can
// never match another, and hashes the normalized target.
func (a Action) Signature() string {
	if a.payload == nil {
		return ""
	}
	return SignatureFor(a.Kind(), a.Target())
}

// SignatureFor builds a signature from an explicit kind and target.
func SignatureFor(kind Kind, target string) string {
	sum := blake3.Sum256([]byte(string(kind) + "\x00" + target))
	return string(kind) + ":" + hex.EncodeToString(sum[:])[:signatureHexLen]
}

// SignatureKind extracts the kind prefix of a signature.
func SignatureKind(signature string) Kind {
	kind, _, ok := strings.Cut(signature, ":")
	if !ok {
		return ""
	}
	return Kind(kind)
}
