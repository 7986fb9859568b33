package idhash

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"

	"recommendation-tracker/internal/domain"
)

// ComputeFingerprint computes the storage dedupe fingerprint of a recommendation.
// Formula: SHA256(symbol|direction|strategy|created_at_ms|id)
// Returns base58-encoded hash.
func ComputeFingerprint(
	symbol string,
	direction domain.Direction,
	strategy string,
	createdAtMs int64,
	id string,
) string {
	data := fmt.Sprintf("%s|%s|%s|%d|%s",
		symbol,
		string(direction),
		strategy,
		createdAtMs,
		id,
	)

	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:])
}

// FingerprintOf computes the fingerprint from a recommendation's identity fields.
func FingerprintOf(r *domain.Recommendation) string {
	return ComputeFingerprint(r.Symbol, r.Direction, r.Strategy, r.CreatedAt.UnixMilli(), r.ID)
}
