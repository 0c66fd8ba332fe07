package replication

import (
	"crypto/sha256"
	"sort"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

// LeafDigest is one leaf of the anti-entropy Merkle tree: a key and a
// hash summarizing its current version, so two peers can tell whether
// they agree on a key without exchanging its value.
type LeafDigest struct {
	Key         string
	KeyHash     [32]byte
	VersionHash [32]byte
}

// Tree is a binary hash tree over leaves sorted by key hash, its depth
// set by the leaf count padded up to a power of two, used to detect
// divergence between two replicas without exchanging full
// state on every cycle.
type Tree struct {
	leaves []LeafDigest
	levels [][][32]byte
}

func versionHash(entry *model.VersionedEntry) [32]byte {
	h := sha256.New()
	_, _ = h.Write([]byte(entry.Key))
	var tsBuf [8]byte
	for i := 0; i < 8; i++ {
		tsBuf[i] = byte(entry.Version.TimestampMs >> (56 - 8*i))
	}
	_, _ = h.Write(tsBuf[:])
	_, _ = h.Write([]byte(entry.Version.NodeID))
	if entry.IsTombstone() {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(*entry.Value))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BuildTree constructs a Merkle tree over entries, sorted by key hash.
func BuildTree(entries []*model.VersionedEntry) *Tree {
	leaves := make([]LeafDigest, 0, len(entries))
	for _, e := range entries {
		leaves = append(leaves, LeafDigest{
			Key:         e.Key,
			KeyHash:     sha256.Sum256([]byte(e.Key)),
			VersionHash: versionHash(e),
		})
	}
	sort.Slice(leaves, func(i, j int) bool {
		return string(leaves[i].KeyHash[:]) < string(leaves[j].KeyHash[:])
	})

	t := &Tree{leaves: leaves}
	t.build()
	return t
}

func (t *Tree) build() {
	n := len(t.leaves)
	if n == 0 {
		t.levels = [][][32]byte{{{}}}
		return
	}

	size := 1
	for size < n {
		size *= 2
	}

	level := make([][32]byte, size)
	for i, l := range t.leaves {
		level[i] = l.VersionHash
	}
	// Pad with zero hashes so every level has a power-of-two width.
	for i := n; i < size; i++ {
		level[i] = [32]byte{}
	}
	t.levels = [][][32]byte{level}

	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := range next {
			h := sha256.New()
			_, _ = h.Write(level[2*i][:])
			_, _ = h.Write(level[2*i+1][:])
			copy(next[i][:], h.Sum(nil))
		}
		t.levels = append(t.levels, next)
		level = next
	}
}

// Root returns the tree's root hash.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return [32]byte{}
	}
	return top[0]
}

// Leaves returns the sorted leaf digests, for chunked transmission.
func (t *Tree) Leaves() []LeafDigest {
	return t.leaves
}

// DiffKeys compares two sorted-by-key-hash leaf sets and returns the
// keys that differ: present with a different version hash on either
// side, or present on only one side.
func DiffKeys(local, remote []LeafDigest) []string {
	var diverged []string
	i, j := 0, 0
	for i < len(local) && j < len(remote) {
		lh, rh := string(local[i].KeyHash[:]), string(remote[j].KeyHash[:])
		switch {
		case lh == rh:
			if local[i].VersionHash != remote[j].VersionHash {
				diverged = append(diverged, local[i].Key)
			}
			i++
			j++
		case lh < rh:
			diverged = append(diverged, local[i].Key)
			i++
		default:
			diverged = append(diverged, remote[j].Key)
			j++
		}
	}
	for ; i < len(local); i++ {
		diverged = append(diverged, local[i].Key)
	}
	for ; j < len(remote); j++ {
		diverged = append(diverged, remote[j].Key)
	}
	return diverged
}

// ChunkLeaves splits leaves into groups whose CBOR-encoded size stays
// under maxBytes, so a full-state reconciliation exchange respects the
// wire size cap even for a large divergent set.
func ChunkLeaves(leaves []LeafDigest, maxBytes int) [][]LeafDigest {
	const approxBytesPerLeaf = model.MaxKeyBytes + 48 // longest key + 32-byte version hash + cbor map overhead, an upper bound

	perChunk := maxBytes / approxBytesPerLeaf
	if perChunk < 1 {
		perChunk = 1
	}

	var chunks [][]LeafDigest
	for start := 0; start < len(leaves); start += perChunk {
		end := start + perChunk
		if end > len(leaves) {
			end = len(leaves)
		}
		chunks = append(chunks, leaves[start:end])
	}
	return chunks
}
