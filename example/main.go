package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gepproto/gep"
)

// This binary is trivial glue around the library: it wires a Server and
// a Client together, counts the messages each side receives, and
// exposes the counters over Prometheus so a human can watch it run.

func main() {
	root := &cobra.Command{
		Use:   "gepctl",
		Short: "Run a gep server, client, or a loopback demo of both.",
	}

	var port int
	var text bool
	var metricsAddr string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run a server that echoes Command1 as Command3.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), port, text, metricsAddr)
		},
	}
	serve.Flags().IntVar(&port, "port", 4050, "TCP port to listen on")
	serve.Flags().BoolVar(&text, "text", false, "use JSON instead of msgpack")
	serve.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, e.g. :2112")

	connect := &cobra.Command{
		Use:   "connect",
		Short: "Run a client that sends Command1 once a second.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), port, text, metricsAddr)
		},
	}
	connect.Flags().IntVar(&port, "port", 4050, "TCP port to connect to")
	connect.Flags().BoolVar(&text, "text", false, "use JSON instead of msgpack")
	connect.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics on, e.g. :2113")

	demo := &cobra.Command{
		Use:   "demo",
		Short: "Run a server and a client against each other for a few seconds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), text)
		},
	}
	demo.Flags().BoolVar(&text, "text", false, "use JSON instead of msgpack")

	root.AddCommand(serve, connect, demo)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("gepctl failed", "error", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return func() { _ = srv.Close() }
}

func runServer(ctx context.Context, port int, text bool, metricsAddr string) error {
	reg := prometheus.NewRegistry()
	metrics := gep.NewMetrics(reg, "gep_serve")
	stopMetrics := serveMetrics(metricsAddr, reg)
	defer stopMetrics()

	var received atomic.Int64
	dispatch := gep.DispatchTable{
		tagCommand1: func(payload gep.Payload, ch *gep.Channel) int {
			cmd := payload.(*Command1)
			received.Add(1)
			slog.Info("server got Command1", "a", cmd.A, "b", cmd.B, "channel", ch.ID())
			if err := ch.Send(&Command3{ID: int64(cmd.B)}); err != nil {
				slog.Error("reply failed", "error", err)
			}
			return 0
		},
		tagControl: func(payload gep.Payload, ch *gep.Channel) int {
			ctrl := payload.(*ControlMessage)
			if ctrl.Command == CommandPing {
				_ = ch.Send(&ControlMessage{Command: CommandPong})
			}
			return 0
		},
	}

	server, err := gep.NewServer("example-server", nil, newCodec(text), dispatch,
		gep.WithPort(port), gep.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("server listening", "port", server.Port())

	<-ctx.Done()
	server.Stop()
	slog.Info("server stopped", "received", received.Load())
	return nil
}

func runClient(ctx context.Context, port int, text bool, metricsAddr string) error {
	reg := prometheus.NewRegistry()
	metrics := gep.NewMetrics(reg, "gep_client")
	stopMetrics := serveMetrics(metricsAddr, reg)
	defer stopMetrics()

	dispatch := gep.DispatchTable{
		tagCommand3: func(payload gep.Payload, ch *gep.Channel) int {
			cmd := payload.(*Command3)
			slog.Info("client got Command3", "id", cmd.ID)
			return 0
		},
	}

	client, err := gep.NewClient("example-client", nil, newCodec(text), dispatch,
		gep.WithPort(port), gep.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := client.Start(); err != nil {
		return err
	}
	defer client.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			seq++
			_ = client.Send(&Command1{A: 0xAAAAAAAAAAAAAAAA, B: seq})
		}
	}
}

// runDemo runs a server and client against each other for five seconds
// using an errgroup, so a `Ctrl-C`-free smoke test of the whole stack
// can be run with a single command.
func runDemo(parent context.Context, text bool) error {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()

	var serverReceived, clientReceived atomic.Int64

	serverDispatch := gep.DispatchTable{
		tagCommand1: func(payload gep.Payload, ch *gep.Channel) int {
			cmd := payload.(*Command1)
			serverReceived.Add(1)
			if err := ch.Send(&Command3{ID: int64(cmd.B)}); err != nil {
				return -1
			}
			return 0
		},
	}
	clientDispatch := gep.DispatchTable{
		tagCommand3: func(payload gep.Payload, ch *gep.Channel) int {
			clientReceived.Add(1)
			return 0
		},
	}

	server, err := gep.NewServer("demo-server", nil, newCodec(text), serverDispatch, gep.WithPort(0))
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	client, err := gep.NewClient("demo-client", nil, newCodec(text), clientDispatch, gep.WithPort(server.Port()))
	if err != nil {
		return err
	}
	if err := client.Start(); err != nil {
		return err
	}
	defer client.Stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		var seq uint32
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				seq++
				_ = client.Send(&Command1{A: 0xAAAAAAAAAAAAAAAA, B: seq})
			}
		}
	})

	_ = group.Wait()
	slog.Info("demo finished", "server_received", serverReceived.Load(), "client_received", clientReceived.Load(), "reconnects", client.ReconnectCount())
	return nil
}
