package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeErrorWrapping(t *testing.T) {
	err := fmt.Errorf("extract: %w", NewDecodeError("a.tmv", 3, "payload %d bytes", 7))

	assert.ErrorIs(t, err, ErrDecode)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, "extract: decode a.tmv frame 3: payload 7 bytes", err.Error())

	var de *DecodeError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, 3, de.Frame)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Path: "f.csv", Zone: "zone1", Frame: -1, Reason: "x out of bounds"}
	assert.Equal(t, `validation f.csv zone "zone1": x out of bounds`, err.Error())
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 2, ExitCode(NewDecodeError("", -1, "bad magic")))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("wrap: %w", NewValidationError("", -1, "dup"))))
}

func TestCalibrationCelsius(t *testing.T) {
	assert.InDelta(t, 26.85, TLinearHighGain.Celsius(7500), 1e-9)
}
