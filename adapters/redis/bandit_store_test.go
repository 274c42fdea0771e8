package redis

import (
	"testing"

	"goexp/domain/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArm(t *testing.T) {
	arm, err := parseArm("v1", map[string]string{"successes": "3", "pulls": "10"})
	require.NoError(t, err)
	assert.Equal(t, core.ID("v1"), arm.VariantID)
	assert.Equal(t, int64(3), arm.Successes)
	assert.Equal(t, int64(0), arm.Failures)
	assert.Equal(t, int64(10), arm.Pulls)

	_, err = parseArm("v1", map[string]string{"failures": "x"})
	assert.Error(t, err)
}

func TestKeyPrefix(t *testing.T) {
	s := NewBanditStore(nil, "", nil)
	assert.Equal(t, "goexp:arm:abc", s.key("abc"))
	assert.Equal(t, "t:arm:abc", NewBanditStore(nil, "t:", nil).key("abc"))
}
