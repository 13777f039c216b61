package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandOutput(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantOK      bool
		wantContent string
		wantCost    float64
	}{
		{name: "plain text", input: "all done\n", wantOK: false},
		{name: "empty", input: "", wantOK: false},
		{name: "single object", input: `{"content":"patched","cost":0.1}`, wantOK: true, wantContent: "patched", wantCost: 0.1},
		{
			name:        "newline delimited",
			input:       "{\"content\":\"step 1\",\"cost\":0.1}\nnoise\n{\"content\":\"step 2\",\"cost\":0.2}\n",
			wantOK:      true,
			wantContent: "step 1\nstep 2",
			wantCost:    0.3,
		},
		{name: "brace but not JSON", input: "{oops", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, ok := parseCommandOutput([]byte(tt.input))
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantContent, resp.Content)
				assert.InDelta(t, tt.wantCost, resp.Cost, 1e-9)
			}
		})
	}
}

func TestCommandAdapter_SendPipesPromptOnStdin(t *testing.T) {
	adapter, err := NewCommandAdapter(Config{
		Type:    "command",
		Command: "sh",
		Args:    []string{"-c", `printf '%s|%s|%s' "$(cat)" "$CONVOY_MODEL" "$CONVOY_RESUME"`},
		Model:   "local-7b",
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	resp, err := adapter.Send(ctx, Message{Content: "fix the bug"})
	require.NoError(t, err)
	assert.Equal(t, "fix the bug|local-7b|0", resp.Content)
	assert.Equal(t, adapter.SessionID(), resp.SessionID)

	resp, err = adapter.Send(ctx, Message{Content: "again"})
	require.NoError(t, err)
	assert.Equal(t, "again|local-7b|1", resp.Content)
}

func TestCommandAdapter_SendFailure(t *testing.T) {
	adapter, err := NewCommandAdapter(Config{
		Type:    "command",
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	}, nil)
	require.NoError(t, err)

	resp, err := adapter.Send(context.Background(), Message{Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NotEmpty(t, resp.Error)
}
