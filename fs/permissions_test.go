package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPermissionOwnerBits(t *testing.T) {
	t.Parallel()
	// rwx------ owned by 1000:1000
	assert.True(t, CheckPermission(0700, 1000, 1000, 1000, 1000, AccessRead))
	assert.True(t, CheckPermission(0700, 1000, 1000, 1000, 1000, AccessWrite))
	assert.True(t, CheckPermission(0700, 1000, 1000, 1000, 1000, AccessExecute))
	assert.False(t, CheckPermission(0700, 1000, 1000, 2000, 1000, AccessRead))
}

func TestCheckPermissionGroupBits(t *testing.T) {
	t.Parallel()
	// rw-r----- owned by 1000:1000, group 1000 readable only
	assert.True(t, CheckPermission(0640, 1000, 1000, 2000, 1000, AccessRead))
	assert.False(t, CheckPermission(0640, 1000, 1000, 2000, 1000, AccessWrite))
}

func TestCheckPermissionOtherBits(t *testing.T) {
	t.Parallel()
	assert.True(t, CheckPermission(0644, 1000, 1000, 3000, 3000, AccessRead))
	assert.False(t, CheckPermission(0644, 1000, 1000, 3000, 3000, AccessWrite))
}

func TestCheckPermissionRootAlwaysReadsAndWrites(t *testing.T) {
	t.Parallel()
	assert.True(t, CheckPermission(0000, 1000, 1000, 0, 0, AccessRead))
	assert.True(t, CheckPermission(0000, 1000, 1000, 0, 0, AccessWrite))
}

func TestCheckPermissionRootExecuteRequiresSomeXBit(t *testing.T) {
	t.Parallel()
	assert.False(t, CheckPermission(0600, 1000, 1000, 0, 0, AccessExecute))
	assert.True(t, CheckPermission(0601, 1000, 1000, 0, 0, AccessExecute))
	assert.True(t, CheckPermission(0610, 1000, 1000, 0, 0, AccessExecute))
	assert.True(t, CheckPermission(0100, 1000, 1000, 0, 0, AccessExecute))
}
