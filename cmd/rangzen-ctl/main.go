// Package main — cmd/rangzen-ctl/main.go
//
// rangzen-ctl is the operator CLI for a running rangzen-agent. It talks
// to the agent's control-plane gRPC service (internal/control) over a
// Unix domain socket by default, or TCP+mTLS with -tcp/-cert/-key/-ca.
//
// Usage:
//
//	rangzen-ctl [-socket PATH | -tcp ADDR -cert FILE -key FILE -ca FILE] <command>
//
// Commands:
//
//	force-exchange       trigger an immediate exchange round, bypassing cooldown/backoff
//	soft-force-exchange  trigger an exchange round, respecting inbound-session deferral
//	status               print node/peer/store summary
//	list-peers           print reachable peers and their transports
//	store-stats          print message/friend store counts
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rangzen-mesh/core/internal/control"
)

func main() {
	socketPath := flag.String("socket", "/run/rangzen/control.sock", "Unix domain socket of the control plane")
	tcpAddr := flag.String("tcp", "", "TCP address of the control plane (overrides -socket when set)")
	certFile := flag.String("cert", "", "Client certificate (required with -tcp)")
	keyFile := flag.String("key", "", "Client key (required with -tcp)")
	caFile := flag.String("ca", "", "CA certificate (required with -tcp)")
	timeout := flag.Duration("timeout", 10*time.Second, "RPC timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: rangzen-ctl [flags] <force-exchange|soft-force-exchange|status|list-peers|store-stats>")
		os.Exit(2)
	}
	command := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := dial(ctx, *socketPath, *tcpAddr, *certFile, *keyFile, *caFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := control.NewClientFromConn(conn)

	var result interface{}
	switch command {
	case "force-exchange":
		result, err = client.ForceExchange(ctx)
	case "soft-force-exchange":
		result, err = client.SoftForceExchange(ctx)
	case "status":
		result, err = client.Status(ctx)
	case "list-peers":
		result, err = client.ListPeers(ctx)
	case "store-stats":
		result, err = client.StoreStats(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", command, err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func dial(ctx context.Context, socketPath, tcpAddr, certFile, keyFile, caFile string) (*grpc.ClientConn, error) {
	if tcpAddr != "" {
		tlsCfg, err := buildClientTLS(certFile, keyFile, caFile)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		return grpc.DialContext(ctx, tcpAddr, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)), grpc.WithBlock())
	}

	return grpc.DialContext(ctx, "unix:"+socketPath,
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
}

// buildClientTLS constructs a client-side mTLS config for -tcp dialing.
func buildClientTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
