package identity

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	alice, err := GenerateKeypair()
	require.NoError(t, err)
	bob, err := GenerateKeypair()
	require.NoError(t, err)

	payload := []byte("release manifest")
	sig := alice.Sign(payload)

	tests := []struct {
		name      string
		signer    Identity
		payload   []byte
		signature []byte
		want      bool
	}{
		{"valid", alice.Identity(), payload, sig, true},
		{"wrong signer", bob.Identity(), payload, sig, false},
		{"tampered payload", alice.Identity(), []byte("release manifest!"), sig, false},
		{"truncated signature", alice.Identity(), payload, sig[:10], false},
		{"empty signature", alice.Identity(), payload, nil, false},
		{"zero identity", Identity{}, payload, sig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Verify(tt.signer, tt.payload, tt.signature))
		})
	}
}

func TestIdentityTextRoundTrip(t *testing.T) {
	k, err := GenerateKeypair()
	require.NoError(t, err)
	id := k.Identity()

	parsed, err := ParseIdentity(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.String(), 64)
	assert.Equal(t, id.String()[:8], id.Short())

	data, err := json.Marshal(struct{ Owner Identity }{id})
	require.NoError(t, err)
	var out struct{ Owner Identity }
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out.Owner)
}

func TestParseIdentityRejectsBadInput(t *testing.T) {
	_, err := ParseIdentity("not-hex")
	assert.Error(t, err)

	_, err = ParseIdentity("abcd")
	assert.Error(t, err)
}

func TestIdentityEquality(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := KeypairFromSeed(seed)
	require.NoError(t, err)
	b, err := KeypairFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, a.Identity(), b.Identity())
	assert.True(t, a.Identity() == b.Identity())
	assert.False(t, a.Identity().IsZero())
	assert.True(t, Identity{}.IsZero())
}

func TestKeypairPersistence(t *testing.T) {
	dir := t.TempDir()

	k, generated, err := LoadOrGenerateKeypair(dir)
	require.NoError(t, err)
	assert.True(t, generated)

	again, generated, err := LoadOrGenerateKeypair(dir)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, k.Identity(), again.Identity())

	payload := []byte("hello")
	assert.True(t, Verify(k.Identity(), payload, again.Sign(payload)))
}
