package bftw

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavianator/bfswalk/bftwtest"
	"github.com/tavianator/bfswalk/ferrors"
)

func collect(result *[]Record) Callback {
	return func(ctx context.Context, rec *Record) Action {
		*result = append(*result, *rec)
		return Continue
	}
}

func testOptions(root string, backend Backend) Options {
	o := DefaultOptions()
	o.Roots = []string{root}
	o.Backend = backend
	return o
}

// TestBasicTreeBFSOrder covers the Completeness and BFS-order invariants:
// every entry is visited exactly once, and no entry at depth N+1 is
// delivered before every entry at depth N has been.
func TestBasicTreeBFSOrder(t *testing.T) {
	tree := bftwtest.Dir("root",
		bftwtest.File("a"),
		bftwtest.Dir("sub", bftwtest.File("c")),
		bftwtest.Dir("sub2", bftwtest.File("d")),
	)
	backend := bftwtest.New(tree)

	var recs []Record
	res, err := Walk(context.Background(), testOptions("root", backend), collect(&recs))
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	byPath := map[string]Record{}
	for _, r := range recs {
		byPath[r.Path] = r
	}
	assert.Len(t, recs, 6) // root, a, sub, sub2, sub/c, sub2/d
	for _, want := range []string{"root", "root/a", "root/sub", "root/sub2", "root/sub/c", "root/sub2/d"} {
		_, ok := byPath[want]
		assert.True(t, ok, "missing %s", want)
	}

	maxDepthSeen := -1
	for _, r := range recs {
		if r.Depth < maxDepthSeen {
			t.Fatalf("entry %q at depth %d delivered after depth %d already seen", r.Path, r.Depth, maxDepthSeen)
		}
		if r.Depth > maxDepthSeen {
			maxDepthSeen = r.Depth
		}
	}
}

// TestSymlinkLoopDetected covers the Loop-safety invariant: a symlink
// that resolves back to one of its own ancestors is flagged Loop and
// never descended, instead of spinning forever.
func TestSymlinkLoopDetected(t *testing.T) {
	sub := bftwtest.Dir("sub", bftwtest.Symlink("back", "root")).WithID(1, 2)
	tree := bftwtest.Dir("root", sub).WithID(1, 1)
	backend := bftwtest.New(tree)

	opts := testOptions("root", backend)
	opts.LinkMode = LinkAlways

	var recs []Record
	res, err := Walk(context.Background(), opts, collect(&recs))
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	var loopRec *Record
	for i := range recs {
		if recs[i].Path == "root/sub/back" {
			loopRec = &recs[i]
		}
	}
	require.NotNil(t, loopRec)
	assert.True(t, loopRec.Loop)
}

// TestOpenDeniedChildSurfacesError covers per-entry error delivery: a
// directory that fails to open still yields a TypeError record instead
// of aborting the whole walk, and siblings are still visited.
func TestOpenDeniedChildSurfacesError(t *testing.T) {
	denied := bftwtest.Dir("denied", bftwtest.File("hidden"))
	denied.OpenErr = assert.AnError
	tree := bftwtest.Dir("root", denied, bftwtest.File("ok"))
	backend := bftwtest.New(tree)

	var recs []Record
	res, err := Walk(context.Background(), testOptions("root", backend), collect(&recs))
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	var foundErr, foundOK bool
	for _, r := range recs {
		if r.Path == "root/denied" && r.Type == TypeError {
			foundErr = true
			require.Error(t, r.Err)
		}
		if r.Path == "root/ok" {
			foundOK = true
		}
	}
	assert.True(t, foundErr, "expected an error record for root/denied")
	assert.True(t, foundOK, "sibling root/ok should still be visited")
}

// TestStopFromCallback covers early termination: once the callback
// returns Stop, Walk reports Stopped and returns without error.
func TestStopFromCallback(t *testing.T) {
	tree := bftwtest.Dir("root", bftwtest.File("a"), bftwtest.File("b"))
	backend := bftwtest.New(tree)

	res, err := Walk(context.Background(), testOptions("root", backend), func(ctx context.Context, rec *Record) Action {
		if rec.Path == "root/a" {
			return Stop
		}
		return Continue
	})
	require.NoError(t, err)
	assert.True(t, res.Stopped)
}

// TestMountStayHidesCrossDeviceSubtree covers the mount-boundary check:
// with MountStay and XdevHide, a subdirectory on a different device is
// never emitted and never descended.
func TestMountStayHidesCrossDeviceSubtree(t *testing.T) {
	other := bftwtest.Dir("other", bftwtest.File("secret")).WithID(2, 1)
	tree := bftwtest.Dir("root", other, bftwtest.File("here")).WithID(1, 1)
	backend := bftwtest.New(tree)

	opts := testOptions("root", backend)
	opts.MountMode = MountStay
	opts.XdevPrune = XdevHide
	opts.NeedStat = true

	var recs []Record
	res, err := Walk(context.Background(), opts, collect(&recs))
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	for _, r := range recs {
		assert.NotEqual(t, "root/other", r.Path)
		assert.NotEqual(t, "root/other/secret", r.Path)
	}
}

// TestMountStayEmitsPrunedBoundary covers XdevEmit: the boundary
// directory itself is still delivered once, just never descended.
func TestMountStayEmitsPrunedBoundary(t *testing.T) {
	other := bftwtest.Dir("other", bftwtest.File("secret")).WithID(2, 1)
	tree := bftwtest.Dir("root", other).WithID(1, 1)
	backend := bftwtest.New(tree)

	opts := testOptions("root", backend)
	opts.MountMode = MountStay
	opts.XdevPrune = XdevEmit
	opts.NeedStat = true

	var recs []Record
	res, err := Walk(context.Background(), opts, collect(&recs))
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	var sawBoundary, sawSecret bool
	for _, r := range recs {
		if r.Path == "root/other" {
			sawBoundary = true
		}
		if r.Path == "root/other/secret" {
			sawSecret = true
		}
	}
	assert.True(t, sawBoundary, "boundary directory itself should still be emitted")
	assert.False(t, sawSecret, "boundary directory's children must not be descended")
}

// TestMinMaxDepth covers the MinDepth/MaxDepth bounds.
func TestMinMaxDepth(t *testing.T) {
	tree := bftwtest.Dir("root", bftwtest.Dir("a", bftwtest.File("b")))
	backend := bftwtest.New(tree)

	opts := testOptions("root", backend)
	opts.MinDepth = 1
	opts.MaxDepth = 1

	var recs []Record
	_, err := Walk(context.Background(), opts, collect(&recs))
	require.NoError(t, err)

	var paths []string
	for _, r := range recs {
		paths = append(paths, r.Path)
	}
	assert.ElementsMatch(t, []string{"root/a"}, paths)
}

// TestBrokenSymlinkStrictAndBrokenOK covers the "broken-link OK" facade:
// a symlink whose target doesn't exist surfaces a KindLinkBroken error
// in the default, strict mode, and a plain non-error TypeLink record
// once BrokenLinkOK is set.
func TestBrokenSymlinkStrictAndBrokenOK(t *testing.T) {
	tree := bftwtest.Dir("root", bftwtest.Symlink("broken", "root/missing"))

	strictOpts := testOptions("root", bftwtest.New(tree))
	strictOpts.LinkMode = LinkAlways

	var strictRecs []Record
	res, err := Walk(context.Background(), strictOpts, collect(&strictRecs))
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	strictRec := findPath(strictRecs, "root/broken")
	require.NotNil(t, strictRec)
	assert.Equal(t, TypeLink, strictRec.Type)
	require.Error(t, strictRec.Err)
	var ferr *ferrors.Error
	require.True(t, errors.As(strictRec.Err, &ferr))
	assert.Equal(t, ferrors.KindLinkBroken, ferr.Kind)

	okOpts := testOptions("root", bftwtest.New(tree))
	okOpts.LinkMode = LinkAlways
	okOpts.BrokenLinkOK = true

	var okRecs []Record
	res, err = Walk(context.Background(), okOpts, collect(&okRecs))
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	okRec := findPath(okRecs, "root/broken")
	require.NotNil(t, okRec)
	assert.Equal(t, TypeLink, okRec.Type)
	assert.NoError(t, okRec.Err)
	assert.False(t, okRec.Loop)
}

func findPath(recs []Record, path string) *Record {
	for i := range recs {
		if recs[i].Path == path {
			return &recs[i]
		}
	}
	return nil
}

// TestRootSeededOnceAcrossLevelSwaps guards against a level-swap bug
// where re-entering the BFS loop after exhausting level 0 could reseed
// the root list a second time.
func TestRootSeededOnceAcrossLevelSwaps(t *testing.T) {
	// A chain deep enough to force several BFS level swaps: confirm
	// run()'s level-swap loop doesn't re-enter seedRoot on each swap.
	tree := bftwtest.Dir("root",
		bftwtest.Dir("a", bftwtest.Dir("aa", bftwtest.File("leaf"))),
	)
	backend := bftwtest.New(tree)

	var recs []Record
	_, err := Walk(context.Background(), testOptions("root", backend), collect(&recs))
	require.NoError(t, err)

	seen := map[string]int{}
	for _, r := range recs {
		seen[r.Path]++
	}
	for path, n := range seen {
		assert.Equal(t, 1, n, "path %s visited %d times, want exactly once", path, n)
	}
	assert.Equal(t, 1, seen["root"], "root must be seeded exactly once across all BFS level swaps")
}
