// ABOUTME: Tests for the device/session bidirectional index.
// ABOUTME: Covers symmetry, idempotent registration, and disconnect cleanup.

package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register("device-a", "agent:coven:main")

	assert.Equal(t, []string{"agent:coven:main"}, reg.SessionsForDevice("device-a"))
	assert.Equal(t, []string{"device-a"}, reg.DevicesForSession("agent:coven:main"))
}

func TestRegistry_Bidirectional(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register("device-a", "agent:coven:main")
	reg.Register("device-a", "agent:sous:kitchen")
	reg.Register("device-b", "agent:coven:main")

	assert.Equal(t, []string{"agent:coven:main", "agent:sous:kitchen"}, reg.SessionsForDevice("device-a"))
	assert.ElementsMatch(t, []string{"device-a", "device-b"}, reg.DevicesForSession("agent:coven:main"))
	assert.Equal(t, []string{"device-a"}, reg.DevicesForSession("agent:sous:kitchen"))
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register("device-a", "agent:coven:main")
	reg.Register("device-a", "agent:coven:main")
	reg.Register("device-a", "agent:coven:main")

	assert.Equal(t, []string{"agent:coven:main"}, reg.SessionsForDevice("device-a"))
	assert.Equal(t, []string{"device-a"}, reg.DevicesForSession("agent:coven:main"))
}

func TestRegistry_InsertionOrderPreserved(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register("device-a", "agent:coven:first")
	reg.Register("device-a", "agent:coven:second")
	reg.Register("device-a", "agent:coven:first") // re-register does not reorder
	reg.Register("device-a", "agent:coven:third")

	assert.Equal(t,
		[]string{"agent:coven:first", "agent:coven:second", "agent:coven:third"},
		reg.SessionsForDevice("device-a"))
}

func TestRegistry_IgnoresEmptyArguments(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register("", "agent:coven:main")
	reg.Register("device-a", "")

	assert.Empty(t, reg.SessionsForDevice("device-a"))
	assert.Empty(t, reg.DevicesForSession("agent:coven:main"))
}

func TestRegistry_RemoveDevice(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register("device-a", "agent:coven:main")
	reg.Register("device-a", "agent:sous:kitchen")
	reg.Register("device-b", "agent:coven:main")

	reg.RemoveDevice("device-a")

	assert.Empty(t, reg.SessionsForDevice("device-a"))
	assert.Equal(t, []string{"device-b"}, reg.DevicesForSession("agent:coven:main"))
	assert.Empty(t, reg.DevicesForSession("agent:sous:kitchen"),
		"session with no remaining devices is dropped")
}

func TestRegistry_RemoveUnknownDevice(t *testing.T) {
	reg := NewRegistry(nil)
	reg.RemoveDevice("never-registered")
}

func TestRegistry_ReRegisterAfterRemove(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register("device-a", "agent:coven:main")
	reg.RemoveDevice("device-a")
	reg.Register("device-a", "agent:coven:main")

	assert.Equal(t, []string{"agent:coven:main"}, reg.SessionsForDevice("device-a"))
	assert.Equal(t, []string{"device-a"}, reg.DevicesForSession("agent:coven:main"))
}

func TestRegistry_Reset(t *testing.T) {
	reg := NewRegistry(nil)

	reg.Register("device-a", "agent:coven:main")
	reg.Reset()

	assert.Empty(t, reg.SessionsForDevice("device-a"))
	assert.Empty(t, reg.DevicesForSession("agent:coven:main"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			deviceID := fmt.Sprintf("device-%d", n)
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("agent:coven:s%d", j)
				reg.Register(deviceID, key)
				reg.SessionsForDevice(deviceID)
				reg.DevicesForSession(key)
			}
			reg.RemoveDevice(deviceID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		assert.Empty(t, reg.SessionsForDevice(fmt.Sprintf("device-%d", i)))
	}
}
