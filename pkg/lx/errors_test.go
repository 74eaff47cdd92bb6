package lx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "OrderNotTriggered", ErrorKind(fmt.Errorf("order 7: %w", ErrOrderNotTriggered)))
	assert.Equal(t, "UnsupportedDecimals", ErrorKind(fmt.Errorf("token X: %w", ErrUnsupportedDecimals)))
	assert.Equal(t, "Internal", ErrorKind(errors.New("disk on fire")))
}
