package hashroute

import (
	"hash/fnv"
	"strings"
)

// CanonicalizeKey normalizes routing keys before hashing.
func CanonicalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Shard maps key onto [0, n). Equal keys always land on the same shard so a
// worker pool keeps per-key ordering.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeKey(key)))
	return int(h.Sum64() % uint64(n))
}
