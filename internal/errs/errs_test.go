package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindConflict, "slot %d taken", 4)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrBlocked))

	wrapped := fmt.Errorf("create booking: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestExtendUnavailableReason(t *testing.T) {
	err := ExtendUnavailable(ReasonBlocked, "the next slot is blocked")
	assert.True(t, errors.Is(err, ErrExtendUnavailable))
	assert.True(t, errors.Is(err, &Error{Kind: KindExtendUnavailable, Reason: ReasonBlocked}))
	assert.False(t, errors.Is(err, &Error{Kind: KindExtendUnavailable, Reason: ReasonAlreadyBooked}))
	assert.Equal(t, "EXTEND_UNAVAILABLE (blocked): the next slot is blocked", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	_, ok := As(errors.New("boom"))
	assert.False(t, ok)
}
