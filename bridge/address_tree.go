package bridge

import (
	"golang.org/x/exp/slices"
)

// An AddressTree maps addresses to per-node data, one node per distinct segment path.
// Nodes are created on first `Get` and live as long as the tree.
// Data is created by the factory given to `NewAddressTree`,
// e.g. the handler list of a client or the socket list of a server.
//
// Addresses must be validated with `ValidateAddress` before they reach the tree.
// The tree is not synchronized. The owner guards it with its own state lock.
type AddressTree[T any] struct {
	createData func(address string) T
	root       *AddressNode[T]
}

type AddressNode[T any] struct {
	address  string
	children map[string]*AddressNode[T]
	Data     T
}

func NewAddressTree[T any](createData func(address string) T) *AddressTree[T] {
	return &AddressTree[T]{
		createData: createData,
		root:       newAddressNode(RootAddress, createData),
	}
}

func newAddressNode[T any](address string, createData func(address string) T) *AddressNode[T] {
	return &AddressNode[T]{
		address:  address,
		children: map[string]*AddressNode[T]{},
		Data:     createData(address),
	}
}

func (self *AddressNode[T]) Address() string {
	return self.address
}

// child segments in sorted order
func (self *AddressNode[T]) ChildSegments() []string {
	segments := make([]string, 0, len(self.children))
	for segment := range self.children {
		segments = append(segments, segment)
	}
	slices.Sort(segments)
	return segments
}

func (self *AddressNode[T]) Child(segment string) (*AddressNode[T], bool) {
	child, ok := self.children[segment]
	return child, ok
}

func (self *AddressTree[T]) Root() *AddressNode[T] {
	return self.root
}

// true if a node exists for exactly `address`. Never creates nodes.
func (self *AddressTree[T]) Has(address string) bool {
	node := self.root
	for _, segment := range AddressSegments(address) {
		child, ok := node.children[segment]
		if !ok {
			return false
		}
		node = child
	}
	return true
}

// returns the node for `address`, creating it and any missing ancestors
func (self *AddressTree[T]) Get(address string) *AddressNode[T] {
	return self.GetWithCreateCallback(address, nil)
}

// same as `Get`. `onCreate` is called for each node actually created, in root-to-leaf order.
func (self *AddressTree[T]) GetWithCreateCallback(address string, onCreate func(node *AddressNode[T])) *AddressNode[T] {
	node := self.root
	path := ""
	for _, segment := range AddressSegments(address) {
		path = path + "/" + segment
		child, ok := node.children[segment]
		if !ok {
			child = newAddressNode(path, self.createData)
			node.children[segment] = child
			if onCreate != nil {
				onCreate(child)
			}
		}
		node = child
	}
	return node
}

// resolves the node for `address` (creating it if needed) and visits every node
// on the path from the root to it, root and address inclusive.
// This is the delivery walk: a message published at `address` is for every node visited.
func (self *AddressTree[T]) WalkAncestors(address string, visit func(node *AddressNode[T])) *AddressNode[T] {
	node := self.Get(address)
	visit(self.root)
	ancestor := self.root
	for _, segment := range AddressSegments(node.address) {
		ancestor = ancestor.children[segment]
		visit(ancestor)
	}
	return node
}

// depth-first pre-order walk of the subtree at `address`, address inclusive.
// Children are visited in sorted segment order.
func (self *AddressTree[T]) ForEach(address string, visit func(node *AddressNode[T])) {
	var walk func(node *AddressNode[T])
	walk = func(node *AddressNode[T]) {
		visit(node)
		for _, segment := range node.ChildSegments() {
			walk(node.children[segment])
		}
	}
	walk(self.Get(address))
}
