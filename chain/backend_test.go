package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScriptHash checks the byte order of the server script hash.
func TestScriptHash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script []byte
		want   string
	}{{
		name:   "empty script",
		script: nil,
		want: "55b852781b9995a44c939b64e441ae27" +
			"24b96f99c8f4fb9a141cfc9842c4b0e3",
	}, {
		name:   "differs per script",
		script: []byte{0x51},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ScriptHash(tc.script)
			require.Len(t, got, 64)
			if tc.want != "" {
				require.Equal(t, tc.want, got)
				return
			}
			require.NotEqual(t, ScriptHash(nil), got)
		})
	}
}
