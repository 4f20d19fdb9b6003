package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sliced/evloop/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	// invalid yaml
	c := NewC(l)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte(" invalid yaml"), 0o644))
	assert.Error(t, c.Load(dir))

	// simple multi config merge
	c = NewC(l)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("outer:\n  inner: hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("outer:\n  inner: override\nnew: hi"), 0o644))
	require.NoError(t, c.Load(dir))
	expected := map[string]any{
		"outer": map[string]any{
			"inner": "override",
		},
		"new": "hi",
	}
	assert.Equal(t, expected, c.Settings)
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	// test simple type
	c := NewC(l)
	c.Settings["ring"] = map[string]any{"sync_limit": "hi"}
	assert.Equal(t, "hi", c.Get("ring.sync_limit"))

	// test complex type
	inner := []map[string]any{{"sq_entries": "1", "sync_limit": "2"}}
	c.Settings["ring"] = map[string]any{"tuning": inner}
	assert.EqualValues(t, inner, c.Get("ring.tuning"))

	// test missing
	assert.Nil(t, c.Get("ring.nope"))
}

func TestConfig_GetInt(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["ring"] = map[string]any{"sync_limit": 40}
	assert.Equal(t, 40, c.GetInt("ring.sync_limit", 1))
	assert.Equal(t, 1, c.GetInt("ring.nope", 1))

	c.Settings["ring"] = map[string]any{"sync_limit": "banana"}
	assert.Equal(t, 1, c.GetInt("ring.sync_limit", 1))
}

func TestConfig_GetUint32(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["ring"] = map[string]any{"sq_entries": 4096}
	assert.Equal(t, uint32(4096), c.GetUint32("ring.sq_entries", 1))

	c.Settings["ring"] = map[string]any{"sq_entries": -1}
	assert.Equal(t, uint32(1), c.GetUint32("ring.sq_entries", 1))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["bool"] = true
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "true"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = false
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "false"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "Y"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "yEs"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "N"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "nO"
	assert.Equal(t, false, c.GetBool("bool", true))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	l := test.NewLogger()
	done := make(chan bool, 1)

	c := NewC(l)
	assert.Nil(t, c.LoadString("outer:\n  inner: hi"))

	assert.False(t, c.HasChanged("outer.inner"))
	assert.False(t, c.HasChanged("outer"))
	assert.False(t, c.HasChanged(""))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))
	assert.True(t, c.HasChanged(""))

	// Make sure we call the callbacks
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		panic("timeout")
	}
}
