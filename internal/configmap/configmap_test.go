package configmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testOptions struct {
	Host    string   `config:"host"`
	Port    int      `config:"port"`
	Secure  bool     `config:"secure"`
	Tags    []string `config:"tags"`
	Ignored string
}

func TestSetDecodesKnownFields(t *testing.T) {
	m := Mapper{
		"host":   "example.com",
		"port":   "2222",
		"secure": "true",
		"tags":   "a,b,c",
	}
	var opt testOptions
	require.NoError(t, Set(m, &opt))
	assert.Equal(t, "example.com", opt.Host)
	assert.Equal(t, 2222, opt.Port)
	assert.True(t, opt.Secure)
	assert.Equal(t, []string{"a", "b", "c"}, opt.Tags)
}

func TestSetLeavesUnsetFieldsAlone(t *testing.T) {
	opt := testOptions{Host: "default.example.com"}
	require.NoError(t, Set(Mapper{}, &opt))
	assert.Equal(t, "default.example.com", opt.Host)
}

func TestSetRejectsNonPointer(t *testing.T) {
	var opt testOptions
	err := Set(Mapper{}, opt)
	assert.Error(t, err)
}

func TestSetBadBool(t *testing.T) {
	var opt testOptions
	err := Set(Mapper{"secure": "not-a-bool"}, &opt)
	assert.Error(t, err)
}
