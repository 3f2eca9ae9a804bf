package redis

import (
	"encoding/json"
	"fmt"

	"sentiflow/internal/domain"
)

// storedBucket is the JSON shape persisted in Redis. The CAS version is a
// storage concern excluded from the domain type's JSON, so it rides along
// explicitly here.
type storedBucket struct {
	domain.Bucket
	Version int64 `json:"version"`
}

func marshalBucket(b *domain.Bucket) ([]byte, error) {
	payload, err := json.Marshal(storedBucket{Bucket: *b, Version: b.Version})
	if err != nil {
		return nil, fmt.Errorf("marshal bucket: %w", err)
	}
	return payload, nil
}

func unmarshalBucket(raw []byte) (*domain.Bucket, error) {
	var sb storedBucket
	if err := json.Unmarshal(raw, &sb); err != nil {
		return nil, fmt.Errorf("unmarshal bucket: %w", err)
	}
	b := sb.Bucket
	b.Version = sb.Version
	return &b, nil
}
