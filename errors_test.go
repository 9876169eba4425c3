package dnssd

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelsByKind(t *testing.T) {
	err := errorf(KindNameConflict, "register", "%s is in use", "x")
	assert.ErrorIs(t, err, ErrNameConflict)
	assert.NotErrorIs(t, err, ErrBadParam)
	assert.Equal(t, "dnssd: register: name conflict: x is in use", err.Error())

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, ErrNameConflict)
	assert.Equal(t, KindNameConflict, KindOf(wrapped))
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("socket gone")
	err := newError(KindResourceExhausted, "browse", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Cause(err.Err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNoError, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindTimeout, KindOf(ErrTimeout))
}

func TestErrorKindFromCode(t *testing.T) {
	assert.Equal(t, KindNoSuchName, ErrorKindFromCode(-65538))
	assert.Equal(t, KindBadTime, ErrorKindFromCode(-65559))
	assert.Equal(t, KindUnknown, ErrorKindFromCode(-65546))
	assert.Equal(t, KindUnknown, ErrorKindFromCode(42))
	assert.Equal(t, "bad param", KindBadParam.String())
	assert.Equal(t, "error kind 42", ErrorKind(42).String())
}
