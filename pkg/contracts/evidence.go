package contracts

import (
	"fmt"
	"regexp"
	"time"
)

// hashPattern is the required format for evidence hashes: exactly 64
// lowercase hex characters (SHA-256).
var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Evidence is a write-once record of canonical JSON content plus its
// SHA-256 identity. Once Locked is set the record may never change; the
// storage layer itself rejects updates and deletes.
type Evidence struct {
	Hash          string    `json:"hash"` // 64 lowercase hex chars
	URI           string    `json:"uri"`
	CanonicalForm string    `json:"canonical_form"`
	StoredAt      time.Time `json:"stored_at"`
	SizeBytes     int       `json:"size_bytes"`
	Locked        bool      `json:"locked"`
	Signature     string    `json:"signature,omitempty"` // optional Ed25519 over canonical form
}

// ValidateHash checks the hash format contract.
func ValidateHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("invalid evidence hash %q: want 64 lowercase hex chars", hash)
	}
	return nil
}

// EvidenceChain is the ordered list of content hashes that together justify
// a decision end-to-end: fetch evidence first, then consensus, then decision.
type EvidenceChain []string

// Append returns a new chain with the hash added. Empty hashes are skipped
// so partial source sets do not leave holes.
func (c EvidenceChain) Append(hashes ...string) EvidenceChain {
	out := make(EvidenceChain, len(c), len(c)+len(hashes))
	copy(out, c)
	for _, h := range hashes {
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}
