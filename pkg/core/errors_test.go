package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Errorf(CodeCancelled, "session %s logged out", "s1")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrTimeout)

	wrapped := fmt.Errorf("step: %w", err)
	assert.ErrorIs(t, wrapped, ErrCancelled)
	assert.Equal(t, CodeCancelled, CodeOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Errorf(CodeTimeout, "deadline")))
	assert.True(t, IsRetryable(ErrUnknownSession))
	assert.False(t, IsRetryable(ErrIllegalAction))
	assert.False(t, IsRetryable(ErrInvalidState))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestAsErrorWrapsForeignErrors(t *testing.T) {
	e := AsError(errors.New("disk full"))
	assert.Equal(t, CodeInternal, e.Code)
	assert.Equal(t, "disk full", e.Message)
}

func TestResultScore(t *testing.T) {
	assert.Equal(t, 1.0, ResultWon.Score())
	assert.Equal(t, 0.0, ResultLost.Score())
	assert.Equal(t, 0.5, ResultDraw.Score())
	assert.Equal(t, 0.5, ResultTimeout.Score())
	assert.True(t, ResultLost.Decisive())
	assert.False(t, ResultTimeout.Decisive())

	_, err := ParseResult("SURRENDER")
	assert.Error(t, err)
}
