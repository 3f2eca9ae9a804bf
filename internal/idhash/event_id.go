package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeEventID computes a deterministic event_id using SHA256.
// Formula: SHA256(ticker|source|article_url|published_at)
// Returns hex-encoded hash (64 characters).
//
// Used for upstream adapters that cannot supply a stable id of their own;
// redelivering the same article always yields the same id, which is what
// the write path's dedup window keys on.
func ComputeEventID(
	ticker string,
	source string,
	articleURL string,
	publishedAt int64,
) string {
	data := fmt.Sprintf("%s|%s|%s|%d",
		ticker,
		source,
		articleURL,
		publishedAt,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
