package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), *c)
	assert.Equal(t, 595*time.Second, c.Worker.SoftTimeLimit)
	assert.Equal(t, 5, c.Jobs.MaxAttempts)
	assert.Equal(t, 300*time.Millisecond, c.Jobs.RetryMinBackoff)
	assert.Equal(t, 100*time.Millisecond, c.Notifications.Delay)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	p := writeFile(t, `{
		"product": "acme",
		"broker": {"addr": "redis:6379"},
		"worker": {"concurrency": 2, "soft_time_limit": "50s", "time_limit": "1m"},
		"log": {"level": "debug", "file": "/var/log/jobs.log"}
	}`)
	t.Setenv("JOBS_WORKER__CONCURRENCY", "8")
	t.Setenv("JOBS_JOBS__CHANNEL_PREFIX", "celeryapp")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "acme", c.Product)
	assert.Equal(t, "redis:6379", c.Broker.Addr)
	assert.Equal(t, 8, c.Worker.Concurrency)
	assert.Equal(t, 50*time.Second, c.Worker.SoftTimeLimit)
	assert.Equal(t, time.Minute, c.Worker.TimeLimit)
	assert.Equal(t, "celeryapp", c.Jobs.ChannelPrefix)
	assert.Equal(t, "debug", c.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, c.Notifications.Retries)
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown key", `{"worker": {"threads": 3}}`},
		{"bad level", `{"log": {"level": "loud"}}`},
		{"soft above hard", `{"worker": {"soft_time_limit": "10m", "time_limit": "1m"}}`},
		{"zero concurrency", `{"worker": {"concurrency": 0}}`},
		{"dotted product", `{"product": "a.b"}`},
		{"bad broker", `{"broker": {"addr": "nohostport"}}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate_NoHardLimit(t *testing.T) {
	c := Defaults()
	c.Worker.TimeLimit = 0
	require.NoError(t, c.Validate())
}
