package merkle

import "strings"

type InclusionProof struct {
	LeafPath string      `json:"leaf_path"`
	LeafHash string      `json:"leaf_hash"`
	Root     string      `json:"root"`
	Steps    []ProofStep `json:"steps"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// LeafHash returns the leaf hash of a manifest entry.
func LeafHash(path, digest string) string {
	return sha256Hex(leafBytes(path, digest))
}

// VerifyInclusionProof checks the proof against a trusted root.
func VerifyInclusionProof(proof InclusionProof, trustedRoot string) bool {
	if trustedRoot != "" && !strings.EqualFold(proof.Root, trustedRoot) {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Steps {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.Root)
}
