package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"endpoint-balancer/pkg/models"
)

// sshConnect authenticates one relay server over SSH. Key-file auth is
// preferred when configured, with password as the fallback method.
func sshConnect(ctx context.Context, srv *models.RelayServer, timeout time.Duration) (Session, error) {
	var methods []ssh.AuthMethod
	if srv.KeyFile != "" {
		key, err := os.ReadFile(srv.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if srv.Password != "" {
		methods = append(methods, ssh.Password(srv.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("server %s has no auth method configured", srv.Addr())
	}

	config := &ssh.ClientConfig{
		User:            srv.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", srv.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", srv.Addr(), err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, srv.Addr(), config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", srv.Addr(), err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}
