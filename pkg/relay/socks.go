package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	socksVersion = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySuccess          = 0x00
	replyGeneralFailure   = 0x01
	replyCmdNotSupported  = 0x07
	replyAtypNotSupported = 0x08
)

const bridgeBufSize = 32 * 1024

// negotiate consumes the client greeting and always selects no-auth.
func negotiate(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if header[0] != socksVersion {
		return fmt.Errorf("unsupported socks version %#02x", header[0])
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	if _, err := conn.Write([]byte{socksVersion, methodNoAuth}); err != nil {
		return fmt.Errorf("write method selection: %w", err)
	}
	return nil
}

// readRequest parses the request that follows a successful greeting and
// returns the command byte and the destination in host:port form.
func readRequest(conn net.Conn) (cmd byte, dest string, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, "", fmt.Errorf("read request header: %w", err)
	}
	if header[0] != socksVersion {
		return 0, "", fmt.Errorf("unsupported socks version %#02x", header[0])
	}
	cmd = header[1]

	var host string
	switch header[3] {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return 0, "", fmt.Errorf("read ipv4 address: %w", err)
		}
		host = net.IP(buf).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return 0, "", fmt.Errorf("read domain length: %w", err)
		}
		buf := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return 0, "", fmt.Errorf("read domain: %w", err)
		}
		host = string(buf)
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return 0, "", fmt.Errorf("read ipv6 address: %w", err)
		}
		host = net.IP(buf).String()
	default:
		writeReply(conn, replyAtypNotSupported)
		return 0, "", fmt.Errorf("unsupported address type %#02x", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return 0, "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBuf)
	return cmd, net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// writeReply sends a standard reply with a zeroed IPv4 bind address.
func writeReply(conn net.Conn, code byte) {
	_, _ = conn.Write([]byte{socksVersion, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
}

// bridge pumps bytes in both directions until either side closes or no
// byte moves for idle. Channel conns carry no deadline support, so
// idleness is tracked by activity timestamp and enforced by a watchdog
// that closes both ends.
func bridge(client, target io.ReadWriteCloser, idle time.Duration) {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	done := make(chan struct{}, 2)
	pump := func(dst io.Writer, src io.Reader) {
		buf := make([]byte, bridgeBufSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				lastActivity.Store(time.Now().UnixNano())
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go pump(target, client)
	go pump(client, target)

	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()
	finished := 0
	for finished < 2 {
		select {
		case <-done:
			finished++
		case <-ticker.C:
			if time.Since(time.Unix(0, lastActivity.Load())) > idle {
				client.Close()
				target.Close()
			}
		}
	}
	client.Close()
	target.Close()
}
