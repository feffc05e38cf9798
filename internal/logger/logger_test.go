package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"production", "prod", "development", "", "nop"} {
		log, err := New(mode)
		require.NoError(t, err, mode)
		require.NotNil(t, log)
	}
}
