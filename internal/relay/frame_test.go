package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want FrameKind
	}{
		{`{"type":"req","method":"connect","params":{}}`, Handshake},
		{`{"type":"req","method":"chat.send"}`, Opaque},
		{`{"type":"res","ok":false,"error":{"code":"X","message":"nope"}}`, ErrorResponse},
		{`{"error":{"message":42}}`, Opaque},
		{`{"error":"flat string"}`, Opaque},
		{`[1,2,3]`, Opaque},
		{`not json`, Opaque},
		{``, Opaque},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify([]byte(tc.in)), tc.in)
	}
}

func TestRewriteHandshakeStripsDeviceAndSetsToken(t *testing.T) {
	in := `{"type":"req","method":"connect","params":{"deviceId":"x","signature":"y"}}`
	out, err := RewriteHandshake([]byte(in), "S")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","method":"connect","params":{"auth":{"token":"S"}}}`, string(out))
}

func TestRewriteHandshakeKeepsOtherFields(t *testing.T) {
	in := `{"type":"req","id":"1","method":"connect","params":{
		"minProtocol":3,"client":{"id":"webchat","version":"1.2"},
		"device":{"id":"d"},"deviceIdentity":{},"publicKey":"pk","signedAt":1,"nonce":"n",
		"auth":{"password":"hunter2","token":"old"}}}`
	out, err := RewriteHandshake([]byte(in), "S")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","id":"1","method":"connect","params":{
		"minProtocol":3,"client":{"id":"webchat","version":"1.2"},
		"auth":{"token":"S"}}}`, string(out))
	for _, f := range DeviceIdentityFields {
		assert.NotContains(t, string(out), `"`+f+`"`)
	}
}

func TestRewriteHandshakeWithoutParams(t *testing.T) {
	out, err := RewriteHandshake([]byte(`{"type":"req","method":"connect"}`), "S")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","method":"connect","params":{"auth":{"token":"S"}}}`, string(out))
}

func TestRewriteError(t *testing.T) {
	subs := DefaultSubstitutions()
	in := []byte(`{"type":"res","id":"7","ok":false,"error":{"code":"UNAUTHORIZED","message":"gateway token mismatch"}}`)
	out, ok := RewriteError(in, subs)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"res","id":"7","ok":false,"error":{"code":"UNAUTHORIZED","message":"`+TokenReplacement+`"}}`, string(out))

	in = []byte(`{"error": {"message": "rate limited"}}`)
	out, ok = RewriteError(in, subs)
	assert.False(t, ok)
	assert.Equal(t, in, out)
}

func TestDefaultSubstitutionsPreferPairing(t *testing.T) {
	subs := DefaultSubstitutions()
	cases := map[string]string{
		"unauthorized: pairing required":      PairingReplacement,
		"device not paired":                   PairingReplacement,
		"unauthorized: gateway token mismatch": TokenReplacement,
		"gateway token missing":               TokenReplacement,
		"invalid token":                       TokenReplacement,
	}
	for msg, want := range cases {
		got, ok := subs.Apply(msg)
		assert.True(t, ok, msg)
		assert.Equal(t, want, got, msg)
	}
	_, ok := subs.Apply("unauthorized: rate limit for model")
	assert.False(t, ok)
}

func TestCompileRejectsBadPattern(t *testing.T) {
	subs, err := Compile([]Rule{{Pattern: "(", Replacement: "x"}, {Pattern: "ok", Replacement: "y"}})
	assert.Error(t, err)
	assert.Len(t, subs, 1)
}

func TestCloseReason(t *testing.T) {
	subs := DefaultSubstitutions()
	assert.Equal(t, PairingReplacement, CloseReason("pairing required", subs))
	assert.Equal(t, "bye", CloseReason("bye", subs))

	long := strings.Repeat("é", 100) // 200 bytes
	r := CloseReason(long, subs)
	assert.LessOrEqual(t, len(r), MaxCloseReason)
	assert.True(t, strings.HasPrefix(long, r))
	assert.Equal(t, MaxCloseReason-1, len(r))
}

func TestSendableCloseCode(t *testing.T) {
	assert.Equal(t, 1000, SendableCloseCode(1005))
	assert.Equal(t, 1011, SendableCloseCode(1006))
	assert.Equal(t, 1011, SendableCloseCode(1015))
	assert.Equal(t, 4008, SendableCloseCode(4008))
	assert.Equal(t, 1001, SendableCloseCode(1001))
	assert.Equal(t, 1011, SendableCloseCode(0))
}
