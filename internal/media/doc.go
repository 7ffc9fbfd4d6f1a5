// Package media caches downloaded template images, bounded by a total
// byte budget with TTL and oldest-first eviction. Structurally the same
// design as the dedupe cache, scaled by size instead of entry count.
package media
