package keystore

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Key schema. The legacy job pattern predates the grouping schema
// migration; readers must accept both, writers only produce the current
// one.
const (
	entityUpload      = "UPLOAD"
	entityGroupingJob = "GROUPING_JOB"
	entityLegacyJob   = "JOB"

	imagesSuffix = "#IMAGES"
)

// ShardIndex deterministically maps a batch to one of n shard channels.
// FNV-1a over "{tenant}:{uploadID}" — fast, stable across processes, and
// good enough distribution for channel selection.
func ShardIndex(tenant, uploadID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(tenant + ":" + uploadID))
	return int(h.Sum32() % uint32(n))
}

// AggregateKey builds the upload-aggregate record key.
func AggregateKey(tenant, uploadID string) string {
	return fmt.Sprintf("TENANT#%s#%s#%s", tenant, entityUpload, uploadID)
}

// ImagesKey is the list record holding the aggregate's accumulated image
// keys. Kept separate from the hash so RPUSH stays a single-key atomic
// append.
func ImagesKey(tenant, uploadID string) string {
	return AggregateKey(tenant, uploadID) + imagesSuffix
}

// ClaimKey builds the write-once grouping-claim record key.
func ClaimKey(tenant, uploadID string) string {
	return fmt.Sprintf("TENANT#%s#%s#%s", tenant, entityGroupingJob, uploadID)
}

// ParseJobKey matches a store key against the current grouping-job
// pattern or the legacy job pattern from the prior schema generation.
// Both shapes are treated as equivalent job records.
func ParseJobKey(key string) (tenant, jobID string, ok bool) {
	parts := strings.Split(key, "#")
	if len(parts) != 4 || parts[0] != "TENANT" {
		return "", "", false
	}
	if parts[2] != entityGroupingJob && parts[2] != entityLegacyJob {
		return "", "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
