//go:build amd64 || arm64

package detours

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detours/vm"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DETOURS_IGNORE_TOO_SMALL", "true")
	t.Setenv("DETOURS_RETAIN_REGIONS", "1")
	t.Setenv("DETOURS_ALLOW_REHOOK", "")
	t.Setenv("DETOURS_DEBUG", "")
	t.Setenv("DETOURS_ARCH", "arm64")

	assert.Equal(t, Config{
		IgnoreTooSmall: true,
		RetainRegions:  true,
		Arch:           "arm64",
	}, ConfigFromEnv())

	// later changes are seen by the next read
	t.Setenv("DETOURS_ARCH", "")
	t.Setenv("DETOURS_RETAIN_REGIONS", "")
	assert.Equal(t, Config{IgnoreTooSmall: true}, ConfigFromEnv())
}

func TestNew(t *testing.T) {
	s := vm.NewSim(0x10000, 0x7ffffffe0000)

	_, err := New(nil, Config{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = New(s, Config{Arch: "ia64"})
	assert.Error(t, err)

	e, err := New(s, Config{Arch: "386", IgnoreTooSmall: true})
	require.NoError(t, err)
	assert.Equal(t, "386", e.Arch())

	assert.True(t, e.SetIgnoreTooSmall(false))
	assert.False(t, e.SetIgnoreTooSmall(true))
	assert.False(t, e.SetRetainRegions(true))
	assert.True(t, e.SetRetainRegions(true))
	assert.False(t, e.SetAllowRehook(true))
	assert.True(t, e.SetAllowRehook(false))
}
