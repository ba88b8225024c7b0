package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittengrid/agent/internal/config"
)

func testSpecs() []config.ServiceSpec {
	return []config.ServiceSpec{
		{Name: "service-a", Port: 8080},
		{Name: "service-b", Port: 8081, Env: map[string]string{"APP_ENV": "test"}},
	}
}

func TestNewStartsStopped(t *testing.T) {
	reg := New(testSpecs())

	for _, rt := range reg.All() {
		assert.Equal(t, StateStopped, rt.State())
		assert.Zero(t, rt.Pid())
		assert.True(t, rt.LastActivity().IsZero())
	}
}

func TestLookupAndByID(t *testing.T) {
	reg := New(testSpecs())

	a := reg.Lookup("service-a")
	require.NotNil(t, a)
	assert.Equal(t, a, reg.ByID(a.ID()))
	assert.Nil(t, reg.Lookup("nope"))
}

func TestSnapshotOrder(t *testing.T) {
	reg := New(testSpecs())
	reg.Lookup("service-b").SetState(StateRunning)

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "service-a", snap[0].Name)
	assert.Equal(t, StateStopped, snap[0].State)
	assert.Equal(t, "service-b", snap[1].Name)
	assert.Equal(t, StateRunning, snap[1].State)
}

func TestTouchActivity(t *testing.T) {
	reg := New(testSpecs())
	rt := reg.Lookup("service-a")

	now := time.Now()
	rt.TouchActivity(now)
	assert.Equal(t, now.UnixNano(), rt.LastActivity().UnixNano())
}

func TestTouchActivityConcurrent(t *testing.T) {
	rt := New(testSpecs()).Lookup("service-a")

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 1000; j++ {
				rt.TouchActivity(time.Now())
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.False(t, rt.LastActivity().IsZero())
}
