package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"version": "jdg-1.0",
		"middle": {"host": "10.0.0.1", "account_port": 7001, "message_port": 7002},
		"judges": [
			{"id": 3, "name": "alpha", "host": "10.0.0.3", "submit_port": 8001, "query_port": 8002, "discussion_port": 8003},
			{"id": 7, "host": "10.0.0.7", "submit_port": 8001}
		],
		"redis": {"addr": "10.0.0.9:6379"}
	}`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "jdg-1.0", c.Version)
	assert.Equal(t, "10.0.0.1", c.Middle.Host)
	assert.Equal(t, 7001, c.Middle.AccountPort)
	assert.Equal(t, 7002, c.Middle.MessagePort)

	require.Len(t, c.Judges, 2)
	assert.Equal(t, 3, c.Judges[0].ID)
	assert.Equal(t, "alpha", c.Judges[0].Name)
	assert.Equal(t, 8003, c.Judges[0].DiscussionPort)
	assert.Equal(t, 7, c.Judges[1].ID)
	assert.Zero(t, c.Judges[1].QueryPort, "omitted capability port must stay zero")

	assert.Equal(t, "10.0.0.9:6379", c.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"version": `)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		judges  []JudgeServer
		wantErr string
	}{
		{
			name:   "valid",
			judges: []JudgeServer{{ID: 0, Host: "a"}, {ID: 255, Host: "b"}},
		},
		{
			name:    "id below range",
			judges:  []JudgeServer{{ID: -1, Host: "a"}},
			wantErr: "out of range",
		},
		{
			name:    "id above range",
			judges:  []JudgeServer{{ID: 256, Host: "a"}},
			wantErr: "out of range",
		},
		{
			name:    "duplicate id",
			judges:  []JudgeServer{{ID: 3, Host: "a"}, {ID: 3, Host: "b"}},
			wantErr: "duplicate",
		},
		{
			name:    "missing host",
			judges:  []JudgeServer{{ID: 3}},
			wantErr: "no host",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Config{Judges: tc.judges}
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"judges": [
			{"id": 3, "host": "a"},
			{"id": 3, "host": "b"}
		]
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
