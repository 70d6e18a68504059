package risc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationString(t *testing.T) {
	assert.Equal(t, "1-2/trisc0", NewLocation(1, 2, "trisc0").String())
	loc := NewLocation(3, 4, "trisc1")
	loc.Neo = 2
	assert.Equal(t, "3-4/neo2/trisc1", loc.String())
}

func TestParseLocation(t *testing.T) {
	for _, s := range []string{"0-0/brisc", "12-7/ncrisc", "3-4/neo2/trisc1"} {
		loc, err := ParseLocation(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, loc.String())
	}

	for _, s := range []string{"", "brisc", "1/brisc", "a-1/brisc", "1-2/", "1-2/x3/brisc", "1-2/neo/brisc", "1-2/a/b/c"} {
		_, err := ParseLocation(s)
		assert.Error(t, err, s)
	}
}

func TestLocationMapKey(t *testing.T) {
	m := map[Location]int{NewLocation(1, 1, "brisc"): 1}
	loc, err := ParseLocation("1-1/brisc")
	require.NoError(t, err)
	assert.Equal(t, 1, m[loc])
}
