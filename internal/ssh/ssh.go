package ssh

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

const defaultDialBackoff = 500 * time.Millisecond

// Client holds the settings used to reach the provisioning host.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) clientConfig() (*xssh.ClientConfig, error) {
	switch {
	case c.Signer == nil:
		return nil, errors.New("ssh: signer required")
	case c.KnownHosts == nil:
		return nil, errors.New("ssh: known_hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial opens an SSH session to c.Addr. Failed attempts are retried up to
// c.Retries times with a linearly growing pause. The caller closes the client.
func (c *Client) Dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = defaultDialBackoff
	}

	attempts := max(c.Retries, 0) + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cli, err := c.handshake(ctx, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		log.Debug().Err(err).Str("addr", c.Addr).Int("attempt", attempt).Msg("SSH dial failed, retrying")
		t := time.NewTimer(backoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, lastErr
}

func (c *Client) handshake(ctx context.Context, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return xssh.NewClient(sc, chans, reqs), nil
}
