package bftwtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavianator/bfswalk/bftw"
)

func TestOpenReadCloseDir(t *testing.T) {
	root := Dir("root",
		File("a"),
		Dir("sub", File("b")),
	)
	b := New(root)
	ctx := context.Background()

	handle, err := b.OpenDir(ctx, bftw.RootFD, "", "root")
	require.NoError(t, err)

	entries, eof, err := b.ReadDir(ctx, handle, 1)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, []bftw.DirEntry{{Name: "a", TypeHint: bftw.TypeRegular}}, entries)

	entries, eof, err = b.ReadDir(ctx, handle, 10)
	require.NoError(t, err)
	assert.True(t, eof)
	assert.Equal(t, []bftw.DirEntry{{Name: "sub", TypeHint: bftw.TypeDir}}, entries)

	require.NoError(t, b.CloseDir(ctx, handle))
}

func TestStatAtFollowsSymlink(t *testing.T) {
	target := File("real").WithID(1, 42)
	root := Dir("root", target, Symlink("link", "root/real"))
	b := New(root)
	ctx := context.Background()

	handle, err := b.OpenDir(ctx, bftw.RootFD, "", "root")
	require.NoError(t, err)

	info, err := b.StatAt(ctx, handle.FD, "root", "link", true, 0)
	require.NoError(t, err)
	assert.Equal(t, bftw.TypeRegular, info.Type)
	assert.EqualValues(t, 42, info.Ino)

	info, err = b.StatAt(ctx, handle.FD, "root", "link", false, 0)
	require.NoError(t, err)
	assert.Equal(t, bftw.TypeLink, info.Type)
}

func TestStatErrInjection(t *testing.T) {
	boom := assert.AnError
	denied := File("denied")
	denied.StatErr = boom
	root := Dir("root", denied)
	b := New(root)
	ctx := context.Background()

	handle, err := b.OpenDir(ctx, bftw.RootFD, "", "root")
	require.NoError(t, err)

	_, err = b.StatAt(ctx, handle.FD, "root", "denied", false, 0)
	assert.Equal(t, boom, err)
}
