package bridge

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

type testNodeData struct {
	address  string
	handlers []string
}

func newTestTree() *AddressTree[*testNodeData] {
	return NewAddressTree(func(address string) *testNodeData {
		return &testNodeData{
			address: address,
		}
	})
}

func TestAddressTreeGet(t *testing.T) {
	tree := newTestTree()

	assert.Equal(t, tree.Has("/"), true)
	assert.Equal(t, tree.Root().Address(), "/")
	assert.Equal(t, tree.Root().Data.address, "/")

	assert.Equal(t, tree.Has("/a"), false)
	assert.Equal(t, tree.Has("/a/b"), false)

	created := []string{}
	node := tree.GetWithCreateCallback("/a/b", func(node *AddressNode[*testNodeData]) {
		created = append(created, node.Address())
	})
	assert.Equal(t, node.Address(), "/a/b")
	assert.Equal(t, node.Data.address, "/a/b")
	assert.Equal(t, created, []string{"/a", "/a/b"})
	assert.Equal(t, tree.Has("/a"), true)
	assert.Equal(t, tree.Has("/a/b"), true)

	// existing nodes are not created again and their data is kept
	node.Data.handlers = append(node.Data.handlers, "h")
	created = []string{}
	again := tree.GetWithCreateCallback("/a/b/", func(node *AddressNode[*testNodeData]) {
		created = append(created, node.Address())
	})
	assert.Equal(t, again, node)
	assert.Equal(t, again.Data.handlers, []string{"h"})
	assert.Equal(t, len(created), 0)

	created = []string{}
	tree.GetWithCreateCallback("/a/b/c", func(node *AddressNode[*testNodeData]) {
		created = append(created, node.Address())
	})
	assert.Equal(t, created, []string{"/a/b/c"})

	assert.Equal(t, tree.Get("/"), tree.Root())
}

func TestAddressTreeSegmentWise(t *testing.T) {
	tree := newTestTree()
	tree.Get("/a")

	assert.Equal(t, tree.Has("/a/"), true)
	assert.Equal(t, tree.Has("/ab"), false)
	assert.Equal(t, tree.Get("/a/"), tree.Get("/a"))
	assert.NotEqual(t, tree.Get("/ab"), tree.Get("/a"))
}

func TestAddressTreeWalkAncestors(t *testing.T) {
	tree := newTestTree()

	// subscriptions at `/` and `/a`
	tree.Get("/").Data.handlers = []string{"root"}
	tree.Get("/a").Data.handlers = []string{"a"}
	tree.Get("/c")

	deliver := func(address string) []string {
		received := []string{}
		tree.WalkAncestors(address, func(node *AddressNode[*testNodeData]) {
			received = append(received, node.Data.handlers...)
		})
		return received
	}

	assert.Equal(t, deliver("/a"), []string{"root", "a"})
	assert.Equal(t, deliver("/a/"), []string{"root", "a"})
	assert.Equal(t, deliver("/a/b"), []string{"root", "a"})
	assert.Equal(t, deliver("/a/d/e"), []string{"root", "a"})
	assert.Equal(t, deliver("/"), []string{"root"})
	assert.Equal(t, deliver("/c"), []string{"root"})
	assert.Equal(t, deliver("/ab"), []string{"root"})

	visited := []string{}
	node := tree.WalkAncestors("/x/y", func(node *AddressNode[*testNodeData]) {
		visited = append(visited, node.Address())
	})
	assert.Equal(t, node.Address(), "/x/y")
	assert.Equal(t, visited, []string{"/", "/x", "/x/y"})
}

func TestAddressTreeForEach(t *testing.T) {
	tree := newTestTree()
	tree.Get("/b/c")
	tree.Get("/a")
	tree.Get("/b/a")
	tree.Get("/d")

	visited := []string{}
	tree.ForEach("/", func(node *AddressNode[*testNodeData]) {
		visited = append(visited, node.Address())
	})
	assert.Equal(t, visited, []string{"/", "/a", "/b", "/b/a", "/b/c", "/d"})

	visited = []string{}
	tree.ForEach("/b", func(node *AddressNode[*testNodeData]) {
		visited = append(visited, node.Address())
	})
	assert.Equal(t, visited, []string{"/b", "/b/a", "/b/c"})

	assert.Equal(t, tree.Root().ChildSegments(), []string{"a", "b", "d"})
	child, ok := tree.Root().Child("b")
	assert.Equal(t, ok, true)
	assert.Equal(t, child.Address(), "/b")
}
