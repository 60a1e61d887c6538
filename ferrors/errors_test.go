package ferrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNil(t *testing.T) {
	assert.Nil(t, New(KindOpenDenied, "/tmp", nil))
}

func TestErrorString(t *testing.T) {
	e := New(KindOpenDenied, "/tmp/x", errors.New("permission denied"))
	assert.Equal(t, "/tmp/x: open-denied: permission denied", e.Error())

	e2 := New(KindFatal, "", errors.New("boom"))
	assert.Equal(t, "fatal: boom", e2.Error())
}

func TestUnwrap(t *testing.T) {
	root := errors.New("root cause")
	e := New(KindStatDenied, "/a", root)
	assert.True(t, errors.Is(e, root))
	assert.Equal(t, root, e.Cause())
	assert.Equal(t, root, Cause(e))
}

func TestUnwrapWrapped(t *testing.T) {
	root := errors.New("root cause")
	e := New(KindStatDenied, "/a", root)
	wrapped := fmt.Errorf("listing: %w", e)

	var fe *Error
	assert.True(t, errors.As(wrapped, &fe))
	assert.Equal(t, KindStatDenied, fe.Kind)
	assert.Equal(t, root, Cause(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(errors.New("potato")))
	assert.False(t, Retryable(New(KindOpenDenied, "", errors.New("x"))))
	assert.True(t, Retryable(New(KindResourceExhausted, "", errors.New("emfile"))))
}

func TestFatal(t *testing.T) {
	assert.Nil(t, Fatal("setup", nil))
	e := Fatal("queue setup", errors.New("out of memory"))
	assert.Equal(t, KindFatal, e.Kind)
	assert.True(t, e.Kind.Fatal())
	assert.Contains(t, e.Error(), "queue setup")
	assert.Contains(t, e.Error(), "out of memory")
}

func TestKindFatal(t *testing.T) {
	for _, k := range []Kind{KindOpenDenied, KindStatDenied, KindLinkBroken, KindNotADirectory, KindNameTooLong, KindReaddirInterrupted, KindReaddirTruncated, KindResourceExhausted} {
		assert.False(t, k.Fatal(), k.String())
	}
	assert.True(t, KindFatal.Fatal())
}
