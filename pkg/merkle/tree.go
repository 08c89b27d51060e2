// Package merkle builds the manifest tree committed with every snapshot. Leaves
// are (relative path, file digest) pairs in path order; interior nodes are
// domain-tagged SHA-256 over the two child hashes, duplicating the last node of
// an odd level.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

const (
	leafTag = "evidence:manifest:leaf:v1"
	nodeTag = "evidence:manifest:node:v1"
)

type Leaf struct {
	Path   string
	Digest string
	Hash   string
}

type Tree struct {
	Leaves []Leaf
	Root   string
	Levels [][]string
}

// Build constructs a tree from path -> digest entries.
func Build(entries map[string]string) *Tree {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	for i, p := range paths {
		leaves[i] = Leaf{Path: p, Digest: entries[p], Hash: sha256Hex(leafBytes(p, entries[p]))}
	}
	if len(leaves) == 0 {
		return &Tree{}
	}

	t := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.Hash
	}
	for len(level) > 1 {
		t.Levels = append(t.Levels, level)
		level = nextLevel(level)
	}
	t.Levels = append(t.Levels, level)
	t.Root = level[0]
	return t
}

func leafBytes(path, digest string) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafTag)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.WriteString(digest)
	return buf.Bytes()
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes[:len(hashes):len(hashes)], hashes[len(hashes)-1])
	}
	out := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		out[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return out
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeTag)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// Proof returns the inclusion proof for path.
func (t *Tree) Proof(path string) (InclusionProof, error) {
	idx := sort.Search(len(t.Leaves), func(i int) bool { return t.Leaves[i].Path >= path })
	if idx == len(t.Leaves) || t.Leaves[idx].Path != path {
		return InclusionProof{}, fmt.Errorf("merkle: no leaf %q", path)
	}
	proof := InclusionProof{LeafPath: path, LeafHash: t.Leaves[idx].Hash, Root: t.Root}
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx
		}
		side := "R"
		if sibling < idx {
			side = "L"
		}
		proof.Steps = append(proof.Steps, ProofStep{Side: side, SiblingHash: level[sibling]})
		idx /= 2
	}
	return proof, nil
}
