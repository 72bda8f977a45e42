package bridge

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValidateAddress(t *testing.T) {
	testCases := []struct {
		address string
		valid   bool
	}{
		{"/", true},
		{"/a", true},
		{"/a/", true},
		{"/a/b/c", true},
		{"/a/b/c/", true},
		{"/some_addr/1", true},
		{"", false},
		{"a", false},
		{"a/b", false},
		{"//", false},
		{"/a//b", false},
		{"/a b", false},
		{"/a/*", false},
		{"/a/{b,c}", false},
	}

	for _, tc := range testCases {
		t.Run(tc.address, func(t *testing.T) {
			err := ValidateAddress(tc.address)
			if tc.valid {
				assert.Equal(t, err, nil)
			} else {
				assert.NotEqual(t, err, nil)
				assert.Equal(t, errors.Is(err, ErrInvalidAddress), true)
			}
		})
	}
}

func TestIsBlobAddress(t *testing.T) {
	assert.Equal(t, IsBlobAddress("/blob"), true)
	assert.Equal(t, IsBlobAddress("/a/blob"), true)
	assert.Equal(t, IsBlobAddress("/a/b/blob/"), true)
	assert.Equal(t, IsBlobAddress("/"), false)
	assert.Equal(t, IsBlobAddress("/a"), false)
	assert.Equal(t, IsBlobAddress("/blobby"), false)
	assert.Equal(t, IsBlobAddress("/a/blob/b"), false)
	assert.Equal(t, IsBlobAddress("/a/myblob"), false)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, NormalizeAddress("/"), "/")
	assert.Equal(t, NormalizeAddress("/a"), "/a")
	assert.Equal(t, NormalizeAddress("/a/"), "/a")
	assert.Equal(t, NormalizeAddress("/a/b/"), "/a/b")
}
