package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityIDIsStablePerPool(t *testing.T) {
	p := NewProvider()
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	a := p.IdentityID("pool-a")
	assert.Equal(t, a, p.IdentityID("pool-a"))
	assert.NotEqual(t, a, p.IdentityID("pool-b"))
}

func TestWireCredentials(t *testing.T) {
	p := NewProvider()
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())
	h := NewSurface(p).Handler()

	do := func(operation string, req interface{}) *httptest.ResponseRecorder {
		encoded, err := json.Marshal(req)
		require.NoError(t, err)
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(encoded))
		r.Header.Set("X-Amz-Target", targetPrefix+"."+operation)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := do("GetId", map[string]string{"IdentityPoolId": "pool-a"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got struct {
		IdentityId string `json:"IdentityId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotEmpty(t, got.IdentityId)

	w = do("GetCredentialsForIdentity", map[string]string{"IdentityId": got.IdentityId})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var creds struct {
		IdentityId  string `json:"IdentityId"`
		Credentials struct {
			AccessKeyId  string  `json:"AccessKeyId"`
			SecretKey    string  `json:"SecretKey"`
			SessionToken string  `json:"SessionToken"`
			Expiration   float64 `json:"Expiration"`
		} `json:"Credentials"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &creds))
	assert.Equal(t, got.IdentityId, creds.IdentityId)
	assert.NotEmpty(t, creds.Credentials.AccessKeyId)
	assert.NotZero(t, creds.Credentials.Expiration)
}
