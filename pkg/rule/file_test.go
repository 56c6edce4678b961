package rule

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadHousekeepingFile_SkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "housekeeping.txt")
	require.NoError(t, os.WriteFile(path, []byte(
		"# housekeeping rules\n"+
			"2|5|read|\n"+
			"\n"+
			"2|6|write|\n",
	), 0o644))

	rules, err := ReadHousekeepingFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"2|5|read|", "2|6|write|"}, rules)
}

func TestReadHousekeepingFile_MissingFile(t *testing.T) {
	_, err := ReadHousekeepingFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
