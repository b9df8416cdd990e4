// Package util holds small helpers shared by the commands.
package util

// HashString hashes a string with FNV-1a, mixing in seed. It derives stable
// numeric ids (raft replica ids) from node names.
func HashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}
