package runtime

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/calyptra/drover/pkg/types"
)

const sshDialTimeout = 10 * time.Second

// sshTunnel dials a remote TCP endpoint through an SSH connection. The
// engine address stays bound to localhost on the remote side; only the
// SSH port is exposed.
type sshTunnel struct {
	client *ssh.Client

	mu     sync.Mutex
	closed bool
}

func newSSHTunnel(cfg *types.SSHTunnelConfig) (*sshTunnel, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	hostKeys, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", cfg.KnownHostsPath, err)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         sshDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial ssh %s: %w", addr, err)
	}
	return &sshTunnel{client: client}, nil
}

// hostKeyCallback verifies the remote against the configured
// known_hosts file. Hosts registered without one are trusted as dialed;
// they are operator-seeded records on private networks, so the file is
// strongly recommended but not required.
func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(path)
}

// DialContext opens a connection to addr on the remote side of the
// tunnel. Satisfies the docker client's dial hook.
func (t *sshTunnel) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := t.client.Dial(network, addr)
		ch <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ssh tunnel dial %s: %w", addr, res.err)
		}
		return res.conn, nil
	}
}

func (t *sshTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}
