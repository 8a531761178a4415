package ssh

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// maxArtifactSize bounds how much of a remote artifact is read.
const maxArtifactSize = 8 << 20

// ArtifactFetcher pulls provisioning artifacts (the roster) from a remote host over SFTP.
type ArtifactFetcher struct {
	KeyPath    string
	KnownHosts string
	Timeout    time.Duration
	Retries    int
}

// Fetch reads the file named by an sftp://user@host[:port]/path URL.
func (f *ArtifactFetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	addr, err := RosterAddr(u)
	if err != nil {
		return nil, err
	}
	signer, err := LoadPrivateKeySigner(f.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := HostPins{Path: f.KnownHosts}.Callback(u)
	if err != nil {
		return nil, err
	}
	c := &Client{
		Addr:       addr,
		User:       u.User.Username(),
		Signer:     signer,
		KnownHosts: hostKeys,
		Timeout:    f.Timeout,
		Retries:    f.Retries,
	}
	cli, err := c.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, err)
	}
	defer cli.Close()
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	return ReadRemote(sf, u.Path)
}

// ReadRemote reads a whole remote file, up to maxArtifactSize bytes.
func ReadRemote(sf *sftp.Client, remotePath string) ([]byte, error) {
	src, err := sf.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, maxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("read remote: %w", err)
	}
	if len(data) > maxArtifactSize {
		return nil, fmt.Errorf("remote file %s exceeds %d bytes", remotePath, maxArtifactSize)
	}
	log.Debug().Str("path", remotePath).Int("bytes", len(data)).Msg("Fetched remote artifact")
	return data, nil
}
