package mt

import (
	"errors"

	"github.com/milligon/localchain/internal/hash"
)

var (
	ErrNilData          = errors.New("merkle tree input data is nil")
	ErrIndexOutOfBounds = errors.New("merkle tree data index out of bounds")
)

type (
	// MerkleTree is a canonical binary merkle tree over pre-hashed leaves.
	// The left subtree of every node holds the highest power of two smaller
	// than the node's leaf count, so the tree shape is a function of the
	// leaf count alone and both sides of an audit derive identical roots.
	MerkleTree struct {
		root       *node
		dataLength int
	}

	// PathItem is one step of an inclusion proof: the sibling hash and the
	// leaf path's direction from the parent node.
	PathItem struct {
		Hash          []byte `json:"hash"`
		DirectionLeft bool   `json:"directionLeft"` // true - leaf path is the left child
	}

	node struct {
		left  *node
		right *node
		hash  []byte
	}
)

// New creates a new canonical merkle tree over the given leaf hashes.
func New(leaves [][]byte) (*MerkleTree, error) {
	if leaves == nil {
		return nil, ErrNilData
	}
	if len(leaves) == 0 {
		return &MerkleTree{root: nil, dataLength: 0}, nil
	}
	return &MerkleTree{root: createMerkleTree(leaves), dataLength: len(leaves)}, nil
}

// EvalMerklePath returns the root hash calculated from the given leaf hash
// and path items.
func EvalMerklePath(merklePath []*PathItem, leaf []byte) []byte {
	h := leaf
	for _, item := range merklePath {
		if item.DirectionLeft {
			h = hash.Sum256(h, item.Hash)
		} else {
			h = hash.Sum256(item.Hash, h)
		}
	}
	return h
}

// GetRootHash returns the root hash of the tree, nil for an empty tree.
func (s *MerkleTree) GetRootHash() []byte {
	if s.root == nil {
		return nil
	}
	return s.root.hash
}

// GetMerklePath extracts the merkle path from the given leaf to the root.
func (s *MerkleTree) GetMerklePath(leafIdx int) ([]*PathItem, error) {
	if leafIdx < 0 || leafIdx >= s.dataLength {
		return nil, ErrIndexOutOfBounds
	}

	var z []*PathItem
	curr := s.root
	b := 0
	m := s.dataLength

	// iteratively descending the tree
	for m > 1 {
		n := hibit(m - 1)
		if leafIdx < b+n { // target in the left sub-tree
			z = append([]*PathItem{{Hash: curr.right.hash, DirectionLeft: true}}, z...)
			curr = curr.left
			m = n
		} else { // target in the right sub-tree
			z = append([]*PathItem{{Hash: curr.left.hash, DirectionLeft: false}}, z...)
			curr = curr.right
			b = b + n
			m = m - n
		}
	}
	return z, nil
}

func createMerkleTree(leaves [][]byte) *node {
	if len(leaves) == 1 {
		return &node{hash: leaves[0]}
	}
	n := hibit(len(leaves) - 1)
	left := createMerkleTree(leaves[:n])
	right := createMerkleTree(leaves[n:])
	return &node{left: left, right: right, hash: hash.Sum256(left.hash, right.hash)}
}

// hibit floating-point-free equivalent of 2**math.floor(math.log(m, 2)),
// could be preferred for larger values of m to avoid rounding errors
func hibit(n int) int {
	if n < 0 {
		panic("hibit function input cannot be negative (merkle tree input data length cannot be zero)")
	}
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n - (n >> 1)
}
