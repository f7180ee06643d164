package kaleyra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}

		w.Header().Set("Content-Type", "application/json")
		if form["to"] == "+910000000000" {
			w.Write([]byte(`{"status": "A401B", "message": "Invalid number"}`))
			return
		}
		w.Write([]byte(`{"status": "OK", "message": "", "data": [{"id": "abc123"}]}`))
	}))
	defer srv.Close()

	k, err := New(Config{APIKey: "key", Sender: "JAYVEE", URL: srv.URL})
	require.NoError(t, err)

	r, err := k.Push(context.Background(), "+919876543210", "", []byte("Your OTP is: 123456"))
	require.NoError(t, err)
	assert.Equal(t, "kaleyra", r.Provider)
	assert.Equal(t, "abc123", r.MessageID)
	assert.Equal(t, "sms", form["method"])
	assert.Equal(t, "key", form["api_key"])
	assert.Equal(t, "JAYVEE", form["sender"])
	assert.Equal(t, "Your OTP is: 123456", form["message"])

	_, err = k.Push(context.Background(), "+910000000000", "", []byte("x"))
	assert.EqualError(t, err, "Invalid number")
}

func TestNew(t *testing.T) {
	_, err := New(Config{APIKey: "key"})
	assert.Error(t, err)

	k, err := New(Config{APIKey: "key", Sender: "X"})
	require.NoError(t, err)
	assert.Equal(t, apiURL, k.cfg.URL)
	assert.NoError(t, k.ValidateAddress("+919876543210"))
	assert.Error(t, k.ValidateAddress("hello"))
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "x", messageID([]byte(`{"id": "x"}`)))
	assert.Equal(t, "y", messageID([]byte(`[{"id": "y"}]`)))
	assert.Equal(t, "", messageID(nil))
}
