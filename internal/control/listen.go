package control

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ListenAndServeUnix starts the control-plane gRPC server on a Unix
// domain socket (the default transport; teacher's operator.Server
// transport choice). Removes any stale socket file, creates the parent
// directory, and chmods the socket to 0600 (root/operator only). Blocks
// until ctx is cancelled, at which point the server stops gracefully.
func ListenAndServeUnix(ctx context.Context, socketPath string, srv Server, log *zap.Logger) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("control: mkdir %q: %w", filepath.Dir(socketPath), err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		return fmt.Errorf("control: chmod %q: %w", socketPath, err)
	}

	grpcSrv := grpc.NewServer()
	RegisterServer(grpcSrv, srv)

	if log != nil {
		log.Info("control socket listening", zap.String("path", socketPath))
	}

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("control: unix grpc serve: %w", err)
	}
	return nil
}

// ListenAndServeTCP starts the control-plane gRPC server on addr with
// mutual TLS, for remote fleet operators. Uses the same TLS 1.3-only,
// RequireAndVerifyClientCert pattern as the teacher's gossip server.
// Blocks until ctx is cancelled.
func ListenAndServeTCP(ctx context.Context, addr, certFile, keyFile, caFile string, srv Server, log *zap.Logger) error {
	tlsCfg, err := buildServerTLS(certFile, keyFile, caFile)
	if err != nil {
		return fmt.Errorf("control: tls config: %w", err)
	}

	grpcSrv := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsCfg)))
	RegisterServer(grpcSrv, srv)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}

	if log != nil {
		log.Info("control tcp listening", zap.String("addr", addr))
	}

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("control: tcp grpc serve: %w", err)
	}
	return nil
}

// buildServerTLS constructs a TLS 1.3-only mTLS config, identical in
// shape to the teacher's gossip.buildServerTLS.
func buildServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
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
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
