package ssh

import (
	"context"
	"net"
	"net/url"
	"testing"

	"github.com/pkg/sftp"
)

func newPipeClient(t *testing.T) *sftp.Client {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	server := sftp.NewRequestServer(srvConn, sftp.InMemHandler())
	go func() { _ = server.Serve() }()
	client, err := sftp.NewClientPipe(cliConn, cliConn)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

func TestReadRemote(t *testing.T) {
	client := newPipeClient(t)
	f, err := client.Create("/roster.json")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.Write([]byte(`{"code:0":{"index":0,"guildId":1}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	data, err := ReadRemote(client, "/roster.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"code:0":{"index":0,"guildId":1}}` {
		t.Fatalf("unexpected content %q", data)
	}
	if _, err := ReadRemote(client, "/missing.json"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFetchRejectsScheme(t *testing.T) {
	f := &ArtifactFetcher{}
	u, _ := url.Parse("https://example.com/roster.json")
	if _, err := f.Fetch(context.Background(), u); err == nil {
		t.Fatalf("expected scheme error")
	}
}
