//go:build linux && arm64

package vm

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlushCache(t *testing.T) {
	pc := reflect.ValueOf(TestFlushCache).Pointer()
	assert.NoError(t, flushCache(pc, 256))
	assert.NoError(t, flushCache(pc+3, 1))
}
