package errs_test

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"pifsos/errs"
)

func TestIsMatchesOnKind(t *testing.T) {
	base := errs.New(errs.NotFound, "no such entry")
	assert.True(t, errs.Is(base, errs.NotFound))
	assert.False(t, errs.Is(base, errs.Busy))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := os.ErrClosed
	wrapped := errs.Wrap(cause, "sector %d", 7)
	assert.Equal(t, errs.IoError, errs.KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, os.ErrClosed))
}

func TestKindOfOpaqueError(t *testing.T) {
	assert.Equal(t, errs.IoError, errs.KindOf(errors.New("boom")))
}
