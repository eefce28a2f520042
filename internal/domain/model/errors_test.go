package model

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("creating profile: %w", ErrOccupiedName)

	assert.True(t, errors.Is(err, ErrOccupiedName))
	assert.True(t, errors.Is(err, ErrOccupied))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrProfileNotFound))
	assert.Equal(t, "ERR_OCCUPIED_PROFILE_NAME", CodeOf(err))
	assert.Equal(t, "", CodeOf(io.EOF))
}

func TestErrorWrapKeepsCause(t *testing.T) {
	err := ErrConfigIO.Wrap(io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrConfigIO)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "unexpected EOF")
	assert.Nil(t, ErrConfigIO.Err)
}

func TestErrorWithfKeepsCode(t *testing.T) {
	err := ErrInvalidSource.Withf("invalid source option %d", 70000)

	assert.Equal(t, "invalid source option 70000", err.Error())
	assert.ErrorIs(t, err, ErrInvalidSource)
	assert.Equal(t, ErrInvalidSource.Code, err.Code)
}

func TestErrorFromCode(t *testing.T) {
	err := ErrorFromCode("ERR_PROFILE_NOT_EXISTS", "profile not exists")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	plain := ErrorFromCode("", "boom")
	assert.EqualError(t, plain, "boom")
	assert.Equal(t, "", CodeOf(plain))
}

func TestStopPayloadTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(-1), StopPayload{}.Timeout())

	p := NewStopPayload("ssh", 1500*time.Millisecond)
	assert.Equal(t, int64(1500), *p.TimeoutMs)
	assert.Equal(t, 1500*time.Millisecond, p.Timeout())

	none := NewStopPayload("ssh", -1)
	assert.Nil(t, none.TimeoutMs)

	neg := int64(-20)
	assert.Equal(t, time.Duration(-1), StopPayload{TimeoutMs: &neg}.Timeout())
}
