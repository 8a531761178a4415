package ssh

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostPins is the known_hosts file that holds the roster host's key. Only
// hosts named by an sftp:// roster location are pinned or accepted.
type HostPins struct {
	Path string
}

// RosterAddr returns the host:port an sftp:// roster location is fetched from.
func RosterAddr(u *url.URL) (string, error) {
	if u.Scheme != "sftp" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("roster location %q has no host", u.Redacted())
	}
	port := u.Port()
	if port == "" {
		port = "22"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Ensure creates an empty pin file if none exists.
func (p HostPins) Ensure() error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o700); err != nil {
		return fmt.Errorf("known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(p.Path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	return f.Close()
}

// Pin trusts authorizedKey for the host of the sftp:// roster location and
// returns the pinned known_hosts address. Pinning the same key twice is a
// no-op; a different key for an already pinned host is refused.
func (p HostPins) Pin(rosterLocation, authorizedKey string) (string, error) {
	u, err := url.Parse(rosterLocation)
	if err != nil {
		return "", fmt.Errorf("roster location: %w", err)
	}
	addr, err := RosterAddr(u)
	if err != nil {
		return "", err
	}
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return "", fmt.Errorf("parse host key: %w", err)
	}
	if err := p.Ensure(); err != nil {
		return "", err
	}

	check, err := knownhosts.New(p.Path)
	if err != nil {
		return "", fmt.Errorf("known_hosts: %w", err)
	}
	err = check(addr, &net.TCPAddr{}, key)
	var ke *knownhosts.KeyError
	switch {
	case err == nil:
		return knownhosts.Normalize(addr), nil
	case errors.As(err, &ke) && len(ke.Want) > 0:
		return "", fmt.Errorf("%s is already pinned to a different key", knownhosts.Normalize(addr))
	case !errors.As(err, &ke):
		return "", err
	}

	f, err := os.OpenFile(p.Path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line([]string{addr}, key) + "\n"); err != nil {
		return "", fmt.Errorf("write known_hosts: %w", err)
	}
	return knownhosts.Normalize(addr), nil
}

// Callback returns a strict host key check for fetching u: the key must be
// pinned, and no other host is accepted.
func (p HostPins) Callback(u *url.URL) (xssh.HostKeyCallback, error) {
	addr, err := RosterAddr(u)
	if err != nil {
		return nil, err
	}
	if err := p.Ensure(); err != nil {
		return nil, err
	}
	check, err := knownhosts.New(p.Path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key xssh.PublicKey) error {
		if knownhosts.Normalize(hostname) != knownhosts.Normalize(addr) {
			return fmt.Errorf("host key offered for %s, expected roster host %s", hostname, addr)
		}
		err := check(hostname, remote, key)
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) && len(ke.Want) == 0 {
			return fmt.Errorf("roster host %s is not pinned (mfleet init --trust): %w", knownhosts.Normalize(addr), err)
		}
		return err
	}, nil
}
