// Package bftwtest is an in-memory bftw.Backend, built for deterministic
// tests the way rclone's fs/walk tests inject a fixed listDirs fixture
// instead of touching a real filesystem (see fs/walk/walk_test.go's
// listDirs.ListDir/ListR). Build a Node tree with Dir/File/Symlink, hand its
// root to New, and pass the result as bftw.Options.Backend.
package bftwtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tavianator/bfswalk/bftw"
)

// Node is one entry in the fake filesystem tree.
type Node struct {
	Name string
	Type bftw.EntryType

	Dev, Ino uint64
	Mode     uint32
	Size     int64

	// LinkTarget is the path (absolute, from the tree root) a TypeLink
	// node resolves to. Point it at an ancestor's own path to test loop
	// detection.
	LinkTarget string

	// Children lists this directory's entries in the exact order ReadDir
	// should yield them (readdir order is never sorted by the backend
	// itself; tests about bftw's own Sort option depend on that).
	Children []*Node

	// StatErr/OpenErr/ReaddirErr inject a failure at the corresponding
	// step instead of a normal result.
	StatErr    error
	OpenErr    error
	ReaddirErr error
}

// Dir builds a directory node.
func Dir(name string, children ...*Node) *Node {
	return &Node{Name: name, Type: bftw.TypeDir, Mode: 0o755, Children: children}
}

// File builds a regular file node.
func File(name string) *Node {
	return &Node{Name: name, Type: bftw.TypeRegular, Mode: 0o644}
}

// Symlink builds a symlink node pointing at target (an absolute path
// within the same tree, "/" separated from the tree root).
func Symlink(name, target string) *Node {
	return &Node{Name: name, Type: bftw.TypeLink, Mode: 0o777, LinkTarget: target}
}

// WithID sets the (dev, ino) pair fileIDOf/loop detection reads.
func (n *Node) WithID(dev, ino uint64) *Node {
	n.Dev, n.Ino = dev, ino
	return n
}

type dirHandleState struct {
	node *Node
	path string
	pos  int
}

// Backend is a bftw.Backend backed entirely by an in-memory Node tree.
// Safe for concurrent use: every method takes the same mutex, mirroring
// how an in-memory rclone test fixture (fs/walk's listDirs) serialises
// access from whichever goroutine the walker happens to call it from.
type Backend struct {
	mu      sync.Mutex
	root    *Node
	handles map[int]*dirHandleState
	nextFD  int
}

var _ bftw.Backend = (*Backend)(nil)

// New returns a Backend whose single root node is root. Pass its Name as
// the corresponding bftw.Options.Roots entry.
func New(root *Node) *Backend {
	return &Backend{root: root, handles: make(map[int]*dirHandleState), nextFD: 1}
}

// resolve looks up parentPath/name starting from parentFD (bftw.RootFD
// means parentPath/name is the tree root's own name) without taking the
// lock; callers must hold b.mu.
func (b *Backend) resolve(parentFD int, name string) (*Node, string, error) {
	if parentFD == bftw.RootFD {
		if name != b.root.Name {
			return nil, name, fmt.Errorf("bftwtest: unknown root %q", name)
		}
		return b.root, name, nil
	}
	state, ok := b.handles[parentFD]
	if !ok {
		return nil, name, fmt.Errorf("bftwtest: unknown parent fd %d", parentFD)
	}
	for _, c := range state.node.Children {
		if c.Name == name {
			return c, state.path + "/" + name, nil
		}
	}
	return nil, name, fmt.Errorf("bftwtest: %q has no child %q", state.path, name)
}

// resolveAbs resolves a "/"-joined path that starts with the tree root's
// own name, matching each segment by child name. Symlinks along the way
// (and at the end) are not followed: the node named by path is returned
// as is. Used by StatAt's followLink to find a symlink's target node.
func (b *Backend) resolveAbs(path string) (*Node, error) {
	if path == b.root.Name {
		return b.root, nil
	}
	cur := b.root
	rest := path[len(b.root.Name)+1:]
	for _, seg := range splitPath(rest) {
		var next *Node
		for _, c := range cur.Children {
			if c.Name == seg {
				next = c
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("bftwtest: no such path %q", path)
		}
		cur = next
	}
	return cur, nil
}

func splitPath(p string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				out = append(out, p[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// StatAt implements bftw.Backend.
func (b *Backend) StatAt(ctx context.Context, parentFD int, parentPath, name string, followLink bool, fields bftw.StatField) (*bftw.StatInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, _, err := b.resolve(parentFD, name)
	if err != nil {
		return nil, err
	}
	if n.StatErr != nil {
		return nil, n.StatErr
	}
	if followLink && n.Type == bftw.TypeLink {
		target, err := b.resolveAbs(n.LinkTarget)
		if err != nil {
			// Target doesn't exist: the real stat/statx facade falls
			// back to an lstat of the link itself rather than erroring
			// out, so callers can tell "broken link" apart from "denied".
			return statInfoOf(n), nil
		}
		return statInfoOf(target), nil
	}
	return statInfoOf(n), nil
}

func statInfoOf(n *Node) *bftw.StatInfo {
	return &bftw.StatInfo{
		Fields: bftw.StatDev | bftw.StatIno | bftw.StatType | bftw.StatMode | bftw.StatSize,
		Dev:    n.Dev,
		Ino:    n.Ino,
		Mode:   n.Mode,
		Type:   n.Type,
		Size:   n.Size,
	}
}

// OpenDir implements bftw.Backend.
func (b *Backend) OpenDir(ctx context.Context, parentFD int, parentPath, name string) (*bftw.DirHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, path, err := b.resolve(parentFD, name)
	if err != nil {
		return nil, err
	}
	if n.OpenErr != nil {
		return nil, n.OpenErr
	}
	if n.Type != bftw.TypeDir {
		return nil, fmt.Errorf("bftwtest: %q is not a directory", path)
	}

	fd := b.nextFD
	b.nextFD++
	b.handles[fd] = &dirHandleState{node: n, path: path}
	return bftw.NewDirHandle(fd, nil), nil
}

// ReadDir implements bftw.Backend.
func (b *Backend) ReadDir(ctx context.Context, handle *bftw.DirHandle, batchSize int) ([]bftw.DirEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.handles[handle.FD]
	if !ok {
		return nil, false, fmt.Errorf("bftwtest: handle %d not open", handle.FD)
	}
	if state.node.ReaddirErr != nil && state.pos == 0 {
		return nil, false, state.node.ReaddirErr
	}

	end := state.pos + batchSize
	if end > len(state.node.Children) {
		end = len(state.node.Children)
	}
	batch := state.node.Children[state.pos:end]
	entries := make([]bftw.DirEntry, len(batch))
	for i, c := range batch {
		entries[i] = bftw.DirEntry{Name: c.Name, TypeHint: c.Type}
	}
	state.pos = end
	return entries, state.pos >= len(state.node.Children), nil
}

// CloseDir implements bftw.Backend.
func (b *Backend) CloseDir(ctx context.Context, handle *bftw.DirHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handles[handle.FD]; !ok {
		return fmt.Errorf("bftwtest: handle %d not open", handle.FD)
	}
	delete(b.handles, handle.FD)
	return nil
}
