package ledgerstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/zeebo/blake3"
)

// DigestType selects the per-entry integrity check a ledger is created with.
type DigestType string

const (
	DigestCRC32  DigestType = "CRC32"
	DigestCRC32C DigestType = "CRC32C"
	DigestMAC    DigestType = "MAC"
	DigestDummy  DigestType = "DUMMY"
	DigestBLAKE3 DigestType = "BLAKE3"
)

// ParseDigestType parses a digest name case-insensitively.
func ParseDigestType(s string) (DigestType, error) {
	switch d := DigestType(strings.ToUpper(strings.TrimSpace(s))); d {
	case DigestCRC32, DigestCRC32C, DigestMAC, DigestDummy, DigestBLAKE3:
		return d, nil
	default:
		return "", fmt.Errorf("unknown digest type %q", s)
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// digester computes entry digests for one ledger. MAC and BLAKE3 are keyed
// with material derived from the ledger password.
type digester struct {
	typ DigestType
	key []byte
}

func newDigester(typ DigestType, password []byte) digester {
	d := digester{typ: typ}
	switch typ {
	case DigestMAC:
		k := sha256.Sum256(append([]byte("ledger"), password...))
		d.key = k[:]
	case DigestBLAKE3:
		k := blake3.Sum256(append([]byte("ledger"), password...))
		d.key = k[:]
	}
	return d
}

func (d digester) newHash() hash.Hash {
	switch d.typ {
	case DigestCRC32:
		return crc32.NewIEEE()
	case DigestCRC32C:
		return crc32.New(castagnoli)
	case DigestMAC:
		return hmac.New(sha256.New, d.key)
	case DigestBLAKE3:
		h, err := blake3.NewKeyed(d.key)
		if err != nil {
			panic("ledgerstore: blake3 keyed hasher: " + err.Error())
		}
		return h
	default:
		return nil
	}
}

// sum digests the entry header (ledger id, entry id, length) and payload.
// DUMMY ledgers store an empty digest.
func (d digester) sum(ledgerID, entryID int64, payload []byte) []byte {
	h := d.newHash()
	if h == nil {
		return []byte{}
	}
	var hdr [24]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(ledgerID))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(entryID))
	binary.BigEndian.PutUint64(hdr[16:24], uint64(len(payload)))
	h.Write(hdr[:])
	h.Write(payload)
	return h.Sum(nil)
}

// verify recomputes the digest of a stored entry.
func (d digester) verify(ledgerID, entryID int64, payload, digest []byte) error {
	if !hmac.Equal(d.sum(ledgerID, entryID, payload), digest) {
		return fmt.Errorf("ledger %d entry %d: %w", ledgerID, entryID, ErrDigestMismatch)
	}
	return nil
}

// passwordFingerprint is what a ledger remembers about its password. Opens
// compare fingerprints instead of raw passwords.
func passwordFingerprint(password []byte) []byte {
	sum := blake3.Sum256(append([]byte("ledgergate.password:"), password...))
	return sum[:]
}

// checkAccess verifies an open request against the ledger's creation
// parameters.
func checkAccess(ledgerID int64, storedDigest DigestType, storedFingerprint []byte, digest DigestType, password []byte) error {
	if storedDigest != digest || !hmac.Equal(storedFingerprint, passwordFingerprint(password)) {
		return fmt.Errorf("ledger %d: %w", ledgerID, ErrUnauthorized)
	}
	return nil
}
