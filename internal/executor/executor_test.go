package executor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryResolvesEchoAgent(t *testing.T) {
	reg := DefaultRegistry()

	spec, err := reg.Resolve("echo-agent")
	require.NoError(t, err)
	require.Equal(t, []string{"cat"}, spec.Argv())
}

func TestResolveUnknownExecutorReturnsTypedError(t *testing.T) {
	reg := DefaultRegistry()

	_, err := reg.Resolve("does-not-exist")
	require.Error(t, err)
	var notFound *ErrUnknownExecutor
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "does-not-exist", notFound.Name)
}

func TestLoadRegistryFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
claude-code:
  command: claude
  args: ["--print"]
  env:
    CLAUDE_NONINTERACTIVE: "1"
`), 0644))

	reg, err := LoadRegistryFile(path)
	require.NoError(t, err)

	spec, err := reg.Resolve("claude-code")
	require.NoError(t, err)
	require.Equal(t, []string{"claude", "--print"}, spec.Argv())
	require.Equal(t, "1", spec.Env["CLAUDE_NONINTERACTIVE"])
}

func TestFollowUpSpecReusesOriginalExecutor(t *testing.T) {
	reg := DefaultRegistry()

	spec, err := reg.FollowUpSpec("echo-agent")
	require.NoError(t, err)
	require.Equal(t, []string{"cat"}, spec.Argv())
}
