package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/account-login/ctxlog"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"golang.org/x/net/proxy"
)

type DialContext interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func dialer(socks string, timeout time.Duration) (DialContext, error) {
	direct := &net.Dialer{Timeout: timeout}
	if socks == "" {
		return direct, nil
	}
	d, err := proxy.SOCKS5("tcp", socks, nil, direct)
	if err != nil {
		return nil, errors.Wrap(err, "socks5")
	}
	return d.(DialContext), nil
}

func loadRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.Errorf("no certificate in %s", path)
	}
	return pool, nil
}

func describe(st tls.ConnectionState) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "version:  %s\n", tls.VersionName(st.Version))
	fmt.Fprintf(b, "cipher:   %s\n", tls.CipherSuiteName(st.CipherSuite))
	fmt.Fprintf(b, "alpn:     %q\n", st.NegotiatedProtocol)
	for i, cert := range st.PeerCertificates {
		fmt.Fprintf(b, "cert[%d]:\n", i)
		fmt.Fprintf(b, "  subject:  %s\n", cert.Subject)
		fmt.Fprintf(b, "  issuer:   %s\n", cert.Issuer)
		fmt.Fprintf(b, "  dns:      %s\n", strings.Join(cert.DNSNames, ", "))
		if len(cert.IPAddresses) > 0 {
			fmt.Fprintf(b, "  ip:       %v\n", cert.IPAddresses)
		}
		fmt.Fprintf(b, "  validity: %s - %s\n",
			cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}
	return b.String()
}

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)
	ctx := context.Background()

	server := flag.String("server", "127.0.0.1:443", "tls server address")
	sni := flag.String("sni", "", "server name (default: host of --server)")
	alpn := flag.StringSlice("alpn", nil, "protocols to offer, e.g. acme-tls/1")
	socks := flag.String("socks", "", "socks5 proxy")
	ca := flag.String("ca", "", "PEM file of trusted roots (default: skip verification)")
	timeout := flag.Duration("timeout", 5*time.Second, "dial and handshake timeout")
	flag.Parse()

	name := *sni
	if name == "" {
		host, _, err := net.SplitHostPort(*server)
		if err != nil {
			ctxlog.Fatal(ctx, err)
			return
		}
		name = host
	}
	ctx = ctxlog.Pushf(ctx, "[server:%s][sni:%s]", *server, name)

	roots, err := loadRoots(*ca)
	if err != nil {
		ctxlog.Fatal(ctx, err)
		return
	}
	d, err := dialer(*socks, *timeout)
	if err != nil {
		ctxlog.Fatal(ctx, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", *server)
	if err != nil {
		ctxlog.Fatal(ctx, err)
		return
	}
	defer conn.Close()

	client := tls.Client(conn, &tls.Config{
		ServerName:         name,
		NextProtos:         *alpn,
		RootCAs:            roots,
		InsecureSkipVerify: roots == nil,
	})
	ctxlog.Debugf(ctx, "handshake begin")
	if err := client.HandshakeContext(ctx); err != nil {
		ctxlog.Fatal(ctx, errors.Wrap(err, "handshake"))
		return
	}
	ctxlog.Infof(ctx, "handshake done")

	fmt.Print(describe(client.ConnectionState()))
}
