// Package imapx wraps the IMAP protocol layer: TLS-only connections,
// LOGIN and XOAUTH2 authentication, mailbox discovery, and peeking
// fetches that never alter remote state.
package imapx

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout    = 30 * time.Second
	commandTimeout = 60 * time.Second

	// DefaultFetchBatchSize bounds a single UID FETCH to cap memory and
	// keep progress events flowing.
	DefaultFetchBatchSize = 50
)

// Settings describes how to reach and authenticate one mailstore.
type Settings struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
	// TLSConfig overrides the default TLS setup; used by tests that run
	// against a local server with a self-signed certificate.
	TLSConfig *tls.Config
}

// Client wraps one authenticated IMAP session.
type Client struct {
	cl     *client.Client
	logger *logrus.Logger
}

// MailboxInfo is one LIST response entry.
type MailboxInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
	// HardExcluded marks mailboxes that cannot be selected (\Noselect);
	// syncing them would always fail.
	HardExcluded bool
}

// SelectedMailbox is the state returned by SELECT.
type SelectedMailbox struct {
	UIDValidity uint32
	UIDNext     uint32
	Exists      uint32
}

// FetchedMessage is one message as retrieved with BODY.PEEK[].
type FetchedMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Raw          []byte
}

func dialTLS(s *Settings) (*client.Client, error) {
	if !s.UseTLS {
		return nil, ErrUnsupportedSecurityMode
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	tlsConfig := s.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			ServerName: s.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	cl, err := client.DialWithDialerTLS(dialer, addr, tlsConfig)
	if err != nil {
		if _, ok := err.(net.Error); ok {
			return nil, fmt.Errorf("%w: %v", ErrTCPConnectFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTLSHandshakeFailed, err)
	}
	cl.Timeout = commandTimeout
	return cl, nil
}

// DialAndLogin connects over TLS and authenticates with LOGIN.
func DialAndLogin(s *Settings, logger *logrus.Logger) (*Client, error) {
	cl, err := dialTLS(s)
	if err != nil {
		return nil, err
	}

	if err := cl.Login(s.Username, s.Password); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, classifyAuthError(err)
	}

	logger.WithFields(logrus.Fields{
		"host": s.Host,
		"user": s.Username,
	}).Debug("IMAP login succeeded")
	return &Client{cl: cl, logger: logger}, nil
}

// DialAndAuthenticateXOAuth2 connects over TLS and authenticates with the
// XOAUTH2 SASL mechanism carrying a bearer access token.
func DialAndAuthenticateXOAuth2(s *Settings, email, accessToken string, logger *logrus.Logger) (*Client, error) {
	cl, err := dialTLS(s)
	if err != nil {
		return nil, err
	}

	if err := cl.Authenticate(NewXOAuth2Client(email, accessToken)); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, classifyAuthError(err)
	}

	logger.WithFields(logrus.Fields{
		"host": s.Host,
		"user": email,
	}).Debug("IMAP XOAUTH2 authentication succeeded")
	return &Client{cl: cl, logger: logger}, nil
}

// Close logs out and drops the connection.
func (c *Client) Close() error {
	if c.cl == nil {
		return nil
	}
	err := c.cl.Logout()
	c.cl = nil
	return err
}

// ListMailboxes returns every mailbox visible to the account.
func (c *Client) ListMailboxes() ([]MailboxInfo, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.List("", "*", mailboxes)
	}()

	var result []MailboxInfo
	for m := range mailboxes {
		info := MailboxInfo{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		}
		for _, attr := range m.Attributes {
			if attr == imap.NoSelectAttr {
				info.HardExcluded = true
			}
		}
		result = append(result, info)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: list failed: %v", ErrProtocol, err)
	}
	return result, nil
}

// Select opens a mailbox read-only and reports its UID state.
func (c *Client) Select(name string) (*SelectedMailbox, error) {
	mbox, err := c.cl.Select(name, true)
	if err != nil {
		return nil, fmt.Errorf("%w: select %q failed: %v", ErrProtocol, name, err)
	}
	return &SelectedMailbox{
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
		Exists:      mbox.Messages,
	}, nil
}

// SearchUIDsFrom runs UID SEARCH UID <lo>:* on the selected mailbox and
// returns the matching UIDs in ascending order.
func (c *Client) SearchUIDsFrom(lo uint32) ([]uint32, error) {
	if lo == 0 {
		lo = 1
	}
	seq := new(imap.SeqSet)
	seq.AddRange(lo, 0) // 0 means '*'

	criteria := imap.NewSearchCriteria()
	criteria.Uid = seq

	uids, err := c.cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: uid search failed: %v", ErrProtocol, err)
	}
	sortUIDs(uids)
	return uids, nil
}

// SearchAllUIDs returns every UID in the selected mailbox, ascending.
func (c *Client) SearchAllUIDs() ([]uint32, error) {
	uids, err := c.cl.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("%w: uid search failed: %v", ErrProtocol, err)
	}
	sortUIDs(uids)
	return uids, nil
}

// FetchBatch retrieves the given UIDs with BODY.PEEK[] so the remote
// \Seen flag is never set.
func (c *Client) FetchBatch(uids []uint32) ([]FetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchInternalDate,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.cl.UidFetch(seq, items, messages)
	}()

	var result []FetchedMessage
	for msg := range messages {
		fetched := FetchedMessage{
			UID:          msg.Uid,
			Flags:        append([]string(nil), msg.Flags...),
			InternalDate: msg.InternalDate,
		}
		// Response section keys do not always compare equal to the
		// requested peek section; read whichever body literal came back.
		for _, literal := range msg.Body {
			raw, err := io.ReadAll(literal)
			if err == nil && len(raw) > 0 {
				fetched.Raw = raw
				break
			}
		}
		result = append(result, fetched)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("%w: uid fetch failed: %v", ErrProtocol, err)
	}
	return result, nil
}

// Batches splits a UID list into fetch-sized chunks preserving order.
func Batches(uids []uint32, size int) [][]uint32 {
	if size <= 0 {
		size = DefaultFetchBatchSize
	}
	var batches [][]uint32
	for len(uids) > 0 {
		n := size
		if n > len(uids) {
			n = len(uids)
		}
		batches = append(batches, uids[:n])
		uids = uids[n:]
	}
	return batches
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}
