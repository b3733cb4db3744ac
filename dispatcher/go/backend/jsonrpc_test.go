package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixi.build/go/testutils"
)

// echoBackendScript is a minimal stand-in build backend: it reads exactly
// one length-delimited JSON-RPC request off stdin and replies with a fixed
// "initialize" response, exercising the real wire framing without needing a
// real pixi-build-* binary.
const echoBackendScript = `#!/bin/sh
read -r len
dd bs=1 count="$len" 2>/dev/null > /dev/null
resp='{"jsonrpc":"2.0","id":1,"result":{"apiVersion":1,"identifier":"echo-backend","capabilities":{"providesCondaOutputs":true,"providesCondaBuildV1":false}}}'
printf '%s\n' "${#resp}"
printf '%s' "$resp"
`

func writeEchoBackend(t *testing.T) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "echo-backend.sh")
	require.NoError(t, os.WriteFile(path, []byte(echoBackendScript), 0o755))
	return path
}

func TestJSONRPC_InitializeNegotiatesVersionAndCapabilities(t *testing.T) {
	testutils.LargeTest(t)
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}
	script := writeEchoBackend(t)

	j, err := NewJSONRPC(context.Background(), "/bin/sh", []string{script})
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	err = j.Initialize(context.Background(), ProjectModel{"name": "demo"}, fmt.Sprintf("%s/pixi-build.toml", filepath.Dir(script)), nil)
	require.NoError(t, err)

	assert.Equal(t, "echo-backend", j.Identifier())
	assert.Equal(t, APIVersionV1, j.NegotiatedVersion())
	assert.True(t, j.Capabilities().ProvidesCondaOutputs)
	assert.False(t, j.Capabilities().ProvidesCondaBuildV1)
}
