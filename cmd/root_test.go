package cmd_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/acquirer/cmd"
)

func TestRootCommand_Tree(t *testing.T) {
	t.Parallel()

	root := cmd.NewRootCommand()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"jobs", "list"},
		{"jobs", "get"},
		{"policies", "list"},
		{"acquire"},
	} {
		found, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], found.Name())
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
}

func TestRootCommand_Help(t *testing.T) {
	t.Parallel()

	root := cmd.NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "acquire")
}

func TestAcquire_RequiresTarget(t *testing.T) {
	t.Parallel()

	root := cmd.NewRootCommand()
	root.SetArgs([]string{"acquire", "--item", "AC-1", "--region", "KA"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")
}
