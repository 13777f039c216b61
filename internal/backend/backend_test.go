package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory(t *testing.T) {
	pm := NewProcessManager()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "claude", cfg: Config{Type: "claude", WorkDir: t.TempDir()}},
		{name: "command", cfg: Config{Type: "command", Command: "cat"}},
		{name: "command without binary", cfg: Config{Type: "command"}, wantErr: "requires a command"},
		{name: "unknown", cfg: Config{Type: "codex"}, wantErr: "unknown backend type: codex"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg, pm)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, b.SessionID())
			assert.NoError(t, b.Close())
			assert.NoError(t, b.Close(), "Close is idempotent")
		})
	}
}

func TestFactory_PassesSessionID(t *testing.T) {
	for _, typ := range []string{"claude", "command"} {
		b, err := New(Config{Type: typ, Command: "cat", SessionID: "resume-me"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "resume-me", b.SessionID(), typ)
	}
}

func TestConfigCommandDefaultsToType(t *testing.T) {
	assert.Equal(t, "claude", Config{Type: "claude"}.command())
	assert.Equal(t, "/opt/bin/claude", Config{Type: "claude", Command: "/opt/bin/claude"}.command())
}

func TestTypes(t *testing.T) {
	assert.Equal(t, []string{"claude", "command"}, Types())
}
