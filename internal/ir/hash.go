package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future algorithm migration.
const (
	DomainRecord = "meshsync/record/v1"
)

// hashWithDomain computes SHA-256 with domain separation:
// SHA256(domain + 0x00 + data). The null byte keeps the domain/data
// boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordID computes the deterministic identity of a logical record:
// "<dataType>_<hash>", where hash is taken over the canonical form of the
// type-specific normalized projection. Two projections with the same
// fields produce the same id regardless of key order.
func RecordID(dataType string, projection IRObject) (string, error) {
	canonical, err := MarshalCanonical(projection)
	if err != nil {
		return "", fmt.Errorf("RecordID: failed to marshal: %w", err)
	}
	return dataType + "_" + hashWithDomain(DomainRecord+"/"+dataType, canonical), nil
}

// PayloadRecordID is RecordID for data types without a dedicated
// projection: the identity covers the whole payload, floats and nulls
// included, in canonical content form.
func PayloadRecordID(dataType string, data Payload) (string, error) {
	content, err := MarshalContent(data)
	if err != nil {
		return "", fmt.Errorf("PayloadRecordID: failed to marshal: %w", err)
	}
	return dataType + "_" + hashWithDomain(DomainRecord+"/"+dataType, content), nil
}

// ContentHash fingerprints the unnormalized payload. It is not used for
// identity, only to tell a byte-identical duplicate from a competing edit,
// so it uses the non-cryptographic xxh3-128.
func ContentHash(data any) (string, error) {
	content, err := MarshalContent(data)
	if err != nil {
		return "", fmt.Errorf("ContentHash: failed to marshal: %w", err)
	}
	sum := xxh3.Hash128(content).Bytes()
	return hex.EncodeToString(sum[:]), nil
}

// MustRecordID is like RecordID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRecordID(dataType string, projection IRObject) string {
	id, err := RecordID(dataType, projection)
	if err != nil {
		panic(err)
	}
	return id
}

// MustContentHash is like ContentHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustContentHash(data any) string {
	h, err := ContentHash(data)
	if err != nil {
		panic(err)
	}
	return h
}
