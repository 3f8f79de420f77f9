package imapx

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXOAuth2ResponseFormat(t *testing.T) {
	payload := BuildXOAuth2Response("user@gmail.com", "ya29.token")
	require.Equal(t, []byte("user=user@gmail.com\x01auth=Bearer ya29.token\x01\x01"), payload)

	// The payload survives the base64 framing the SASL layer applies.
	encoded := base64.StdEncoding.EncodeToString(payload)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestXOAuth2ClientAcknowledgesErrorChallenge(t *testing.T) {
	client := NewXOAuth2Client("user@gmail.com", "tok")

	mech, ir, err := client.Start()
	require.NoError(t, err)
	require.Equal(t, "XOAUTH2", mech)
	require.NotEmpty(t, ir)

	// An error challenge must be answered with an empty response.
	resp, err := client.Next([]byte(`{"status":"401"}`))
	require.NoError(t, err)
	require.Empty(t, resp)
}

func TestClassifyAuthError(t *testing.T) {
	err := classifyAuthError(errors.New("NO [AUTHENTICATIONFAILED] Invalid credentials (Failure)"))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.Contains(t, err.Error(), "check username and password")
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("%w: dial tcp: i/o timeout", ErrTCPConnectFailed), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("i/o timeout"), true},
		{fmt.Errorf("%w: bad password", ErrAuthenticationFailed), false},
		{ErrUnsupportedSecurityMode, false},
		{fmt.Errorf("%w: handshake failure", ErrTLSHandshakeFailed), false},
		{errors.New("some parse error"), false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsTransient(tt.err), "error %v", tt.err)
	}
}

func TestDialRequiresTLS(t *testing.T) {
	_, err := dialTLS(&Settings{Host: "mail.example.org", Port: 143, UseTLS: false})
	require.ErrorIs(t, err, ErrUnsupportedSecurityMode)
}

func TestBatches(t *testing.T) {
	uids := []uint32{1, 2, 3, 4, 5}
	batches := Batches(uids, 2)
	require.Equal(t, [][]uint32{{1, 2}, {3, 4}, {5}}, batches)

	require.Nil(t, Batches(nil, 2))

	// A non-positive size falls back to the default.
	require.Len(t, Batches(uids, 0), 1)
}
