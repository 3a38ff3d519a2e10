package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostPort(t *testing.T) {
	tgt, err := Parse("example.test:443", 443)
	require.NoError(t, err)
	assert.Equal(t, "example.test", tgt.Host)
	assert.Equal(t, uint16(443), tgt.Port)
	assert.False(t, tgt.IsIP6)
}

func TestParseDefaultsPortWhenBare(t *testing.T) {
	tgt, err := Parse("example.test", 443)
	require.NoError(t, err)
	assert.Equal(t, uint16(443), tgt.Port)
}

func TestParseBracketedIPv6(t *testing.T) {
	tgt, err := Parse("[::1]:8443", 443)
	require.NoError(t, err)
	assert.Equal(t, "::1", tgt.Host)
	assert.Equal(t, uint16(8443), tgt.Port)
	assert.True(t, tgt.IsIP6)
}

func TestParseRejectsBadCharset(t *testing.T) {
	_, err := Parse("bad|host:443", 443)
	assert.Error(t, err)
}

func TestParseRejectsOutOfRangePort(t *testing.T) {
	_, err := Parse("example.test:99999", 443)
	assert.Error(t, err)
}

func TestParseRejectsTooLongHost(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Parse(string(long)+":443", 443)
	assert.Error(t, err)
}

func TestTargetString(t *testing.T) {
	tgt := Target{Host: "example.test", Port: 443}
	assert.Equal(t, "example.test:443", tgt.String())

	tgt6 := Target{Host: "::1", Port: 443, IsIP6: true}
	assert.Equal(t, "[::1]:443", tgt6.String())
}
