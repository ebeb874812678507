package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: not found (item=abc)", NotFound("item", "abc").Error())
	assert.Equal(t, "VALIDATION: exactly-one-payload (item)", Validation("item", "exactly-one-payload").Error())
	assert.Equal(t, "VALIDATION: bad", (&Error{Code: CodeValidation, Message: "bad"}).Error())
}

func TestHelpers_MatchWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("create item: %w", Validation("item", "exactly-one-payload"))
	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.False(t, IsReferentialIntegrity(wrapped))

	ri := fmt.Errorf("edge: %w", ReferentialIntegrity("item", "x", "endpoint does not exist"))
	assert.True(t, IsReferentialIntegrity(ri))
	assert.Equal(t, CodeReferentialIntegrity, CodeOf(ri))

	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestIdempotencyConflict(t *testing.T) {
	err := fmt.Errorf("start: %w", &IdempotencyConflict{Key: "k1", ExistingRunID: "run-1"})

	c, ok := AsIdempotencyConflict(err)
	assert.True(t, ok)
	assert.Equal(t, "run-1", c.ExistingRunID)
	assert.True(t, IsIdempotencyConflict(err))

	// A conflict is not a fault.
	assert.Equal(t, Code(""), CodeOf(err))
	assert.False(t, IsIdempotencyConflict(NotFound("run", "x")))
}
