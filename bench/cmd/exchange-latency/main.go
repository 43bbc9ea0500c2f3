// Package main — bench/cmd/exchange-latency/main.go
//
// Exchange session latency measurement tool.
//
// Measures the wall-clock duration of a complete ExchangeSession
// (version handshake plus message propagation; the session runs with
// UseTrust=false, so the PSI rounds are skipped) between two in-process
// peers connected over a net.Pipe, repeated across -iterations runs with
// fresh per-iteration stores.
//
// Output CSV columns: iteration, latency_us, messages_received
package main

import (
	"crypto/rand"
	"encoding/csv"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rangzen-mesh/core/internal/clock"
	"github.com/rangzen-mesh/core/internal/exchange"
	"github.com/rangzen-mesh/core/internal/store"
)

func main() {
	iterations := flag.Int("iterations", 1000, "Number of exchange sessions to measure")
	outputFile := flag.String("output", "exchange_latency_raw.csv", "Output CSV file path")
	messagesPerSide := flag.Int("messages-per-side", 5, "Messages seeded into each side's store before each run")
	p99TargetUs := flag.Int("p99-target-us", 50_000, "p99 latency target in microseconds; exceeding it fails the run")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "messages_received"})

	cfg := exchange.Config{
		UseTrust:               false,
		MaxMessagesPerExchange: 100,
		SessionTimeout:         5 * time.Second,
		SupportsNonce:          false,
	}

	const histSize = 200_000
	hist := make([]int, histSize)

	for i := 0; i < *iterations; i++ {
		latencyUs, received, err := runOneExchange(cfg, *messagesPerSide)
		if err != nil {
			fmt.Fprintf(os.Stderr, "iteration %d failed: %v\n", i, err)
			os.Exit(1)
		}
		if latencyUs < histSize {
			hist[latencyUs]++
		}
		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			strconv.Itoa(received),
		})
	}

	p50, p95, p99 := computePercentiles(hist, *iterations)

	fmt.Printf("Exchange Session Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > *p99TargetUs {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds %dµs target\n", p99, *p99TargetUs)
		os.Exit(1)
	}
}

// runOneExchange builds two fresh bbolt-backed store pairs in a temporary
// directory, runs a full
// initiator/responder session over a net.Pipe, and returns the elapsed
// wall time and the initiator's messages-received count.
func runOneExchange(cfg exchange.Config, messagesPerSide int) (latencyUs int, received int, err error) {
	dir, err := os.MkdirTemp("", "exchange-bench-*")
	if err != nil {
		return 0, 0, err
	}
	defer os.RemoveAll(dir)

	clk := clock.System{}

	initMessages, err := store.OpenMessageStore(dir+"/init-messages.db", clk, nil)
	if err != nil {
		return 0, 0, err
	}
	defer initMessages.Close()
	initFriends, err := store.OpenFriendStore(dir + "/init-friends.db")
	if err != nil {
		return 0, 0, err
	}
	defer initFriends.Close()

	respMessages, err := store.OpenMessageStore(dir+"/resp-messages.db", clk, nil)
	if err != nil {
		return 0, 0, err
	}
	defer respMessages.Close()
	respFriends, err := store.OpenFriendStore(dir + "/resp-friends.db")
	if err != nil {
		return 0, 0, err
	}
	defer respFriends.Close()

	for n := 0; n < messagesPerSide; n++ {
		if _, err := initMessages.Add(store.Message{
			MessageID: fmt.Sprintf("init-%d", n), Text: "bench message",
			Trust: 0.5, ExpirationMs: time.Now().Add(24 * time.Hour).UnixMilli(),
		}); err != nil {
			return 0, 0, err
		}
		if _, err := respMessages.Add(store.Message{
			MessageID: fmt.Sprintf("resp-%d", n), Text: "bench message",
			Trust: 0.5, ExpirationMs: time.Now().Add(24 * time.Hour).UnixMilli(),
		}); err != nil {
			return 0, 0, err
		}
	}

	initiator := exchange.New(cfg, exchange.RoleInitiator, clk, rand.Reader, nil, "bench-initiator", initMessages, initFriends, nil)
	responder := exchange.New(cfg, exchange.RoleResponder, clk, rand.Reader, nil, "bench-responder", respMessages, respFriends, nil)

	a, b := net.Pipe()
	type sideResult struct {
		res exchange.Result
		err *exchange.Error
	}
	initCh := make(chan sideResult, 1)
	respCh := make(chan sideResult, 1)

	start := time.Now()
	go func() {
		res, sessErr := initiator.Run(a)
		initCh <- sideResult{res, sessErr}
	}()
	go func() {
		res, sessErr := responder.Run(b)
		respCh <- sideResult{res, sessErr}
	}()
	initOut := <-initCh
	<-respCh
	elapsed := time.Since(start)

	if initOut.err != nil {
		return 0, 0, fmt.Errorf("initiator session: %w", initOut.err)
	}
	return int(elapsed.Microseconds()), initOut.res.MessagesReceived, nil
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
