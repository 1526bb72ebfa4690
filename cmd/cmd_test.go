package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/skyfetch/skyfetch/internal/build"
)

func TestVersionCommand(t *testing.T) {
	t.Cleanup(viper.Reset)

	root := NewRootCommand()
	root.AddCommand(NewVersionCommand())

	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Equal(t, "skyfetch version "+build.Version+" date "+build.Date+" commit "+build.Commit+"\n", out.String())
}

func TestRootCommandReadsEnvironment(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("SKYFETCH_EXECUTOR_MAXWORKERS", "12")

	NewRootCommand()
	require.Equal(t, 12, viper.GetInt("executor.maxWorkers"))
}
