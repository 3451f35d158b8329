package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileEntityKey(t *testing.T) {
	assert.Equal(t, "tempdb:templog", fileEntityKey("tempdb", "templog", 2))

	// Files missing from sys.master_files (offline or restoring
	// databases) have no logical name; sibling files of one database
	// must still get distinct keys.
	a := fileEntityKey("staging", "", 1)
	b := fileEntityKey("staging", "", 2)
	assert.Equal(t, "staging:file_1", a)
	assert.NotEqual(t, a, b)
}
