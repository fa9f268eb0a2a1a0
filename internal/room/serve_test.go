package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Plannorium/curenium-sub004/internal/store"
)

func TestAttachRetryGivesUpOnClosedRoom(t *testing.T) {
	r := newRoom("icu-1", false, testSecret, store.NewMemoryLog())
	r.cancel()

	calls := 0
	err := attachWithRetry(func() *Room {
		calls++
		return r
	}, newSession())

	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.Equal(t, attachRetries, calls, "must stop after the retry budget")
}

func TestAttachRetryRecoversFromEvictedInstance(t *testing.T) {
	closed := newRoom("icu-1", false, testSecret, store.NewMemoryLog())
	closed.cancel()
	live := startRoom(t, nil)

	// 第一次取到的实例刚被回收，重试后注册表给出重建的实例
	calls := 0
	s := newSession()
	err := attachWithRetry(func() *Room {
		calls++
		if calls == 1 {
			return closed
		}
		return live
	}, s)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Same(t, live, s.room)
}
