package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settings struct {
	Addr     string        `env:"addr"`
	Interval time.Duration `env:"sweep_interval"`
	Verbose  bool          `env:"verbose"`
	Rate     int           `env:"rate"`
	Tracks   []string      `env:"tracks"`
	Kept     string        `env:"kept"`
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SHMTEST_ADDR", ":9000")
	t.Setenv("SHMTEST_SWEEP_INTERVAL", "250ms")
	t.Setenv("SHMTEST_VERBOSE", "1")
	t.Setenv("SHMTEST_RATE", "2000")
	t.Setenv("SHMTEST_TRACKS", "1,3")
	t.Setenv("OTHER_ADDR", ":1")

	s := settings{Addr: ":6070", Kept: "default"}
	require.NoError(t, FromEnv("SHMTEST_", &s))
	assert.Equal(t, ":9000", s.Addr)
	assert.Equal(t, 250*time.Millisecond, s.Interval)
	assert.True(t, s.Verbose)
	assert.Equal(t, 2000, s.Rate)
	assert.Equal(t, []string{"1", "3"}, s.Tracks)
	assert.Equal(t, "default", s.Kept)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var s settings
	err := Decode(map[string]interface{}{"rate": "fast"}, &s)
	assert.Error(t, err)
}

func TestEnvironIgnoresBarePrefix(t *testing.T) {
	t.Setenv("SHMTEST_", "x")
	t.Setenv("SHMTEST_A", "y")
	assert.Equal(t, map[string]interface{}{"a": "y"}, Environ("SHMTEST_"))
}
