package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "gateway.yaml"), nil, 0o644))
	// directories with the name are skipped
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "gateway.yaml"), 0o755))

	cases := []struct {
		name string
		file string
		dir  string
		want string
	}{
		{name: "found in ancestor", file: "gateway.yaml", dir: deep, want: filepath.Join(root, "a", "gateway.yaml")},
		{name: "found in dir", file: "gateway.yaml", dir: filepath.Join(root, "a"), want: filepath.Join(root, "a", "gateway.yaml")},
		{name: "not found", file: "no-such-file-anywhere.yaml", dir: deep, want: ""},
		{name: "missing dir", file: "gateway.yaml", dir: filepath.Join(root, "missing"), want: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := FindUp(c.file, c.dir)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}
