package console

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

func TestPush(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(logf.New(logf.Opts{Writer: buf}))

	r, err := c.Push(context.Background(), "+919876543210", "OTP", []byte("Your OTP is: 123456"))
	require.NoError(t, err)
	assert.Equal(t, "console", r.Provider)
	assert.Contains(t, buf.String(), "+919876543210")
	assert.Contains(t, buf.String(), "123456")
	assert.NoError(t, c.ValidateAddress("whatever"))
}
