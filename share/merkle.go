package share

import "github.com/ethereum/go-ethereum/crypto"

var (
	leafPrefix = []byte{0x00}
	nodePrefix = []byte{0x01}
)

func leafHash(leaf []byte) []byte {
	return crypto.Keccak256(leafPrefix, leaf)
}

func nodeHash(left, right []byte) []byte {
	return crypto.Keccak256(nodePrefix, left, right)
}

// buildTree returns the root over leaves and, for every leaf, the sibling path
// from the leaf up to the root. An odd node at any level is paired with itself.
func buildTree(leaves [][]byte) ([]byte, [][]Sibling) {
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = leafHash(l)
	}

	// position of each original leaf within the current level
	pos := make([]int, len(leaves))
	for i := range pos {
		pos[i] = i
	}
	paths := make([][]Sibling, len(leaves))

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(level[i], right))
		}

		for leaf, p := range pos {
			if p%2 == 0 {
				sib := level[p]
				if p+1 < len(level) {
					sib = level[p+1]
				}
				paths[leaf] = append(paths[leaf], Sibling{IsLeft: false, Hash: sib})
			} else {
				paths[leaf] = append(paths[leaf], Sibling{IsLeft: true, Hash: level[p-1]})
			}
			pos[leaf] = p / 2
		}
		level = next
	}
	return level[0], paths
}
