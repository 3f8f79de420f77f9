package imapx

import (
	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism. The initial
// response carries the bearer token:
//
//	user=<email>\x01auth=Bearer <token>\x01\x01
//
// On a server error challenge the client must answer with an empty
// response to acknowledge and let the server send its tagged NO.
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client builds a SASL client for the XOAUTH2 mechanism.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", BuildXOAuth2Response(c.username, c.token), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// BuildXOAuth2Response formats the XOAUTH2 initial response. The SASL
// layer base64-encodes it before it goes on the wire.
func BuildXOAuth2Response(username, token string) []byte {
	return []byte("user=" + username + "\x01auth=Bearer " + token + "\x01\x01")
}
