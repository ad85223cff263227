package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
	"github.com/prismer-ai/chatsync/gateway"
	"github.com/prismer-ai/chatsync/mongostore"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from server.addr)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development gateway",
	Long:  "Serve a remote store over HTTP and websocket.\nThe backend is an in-memory store or MongoDB (server.backend = mongo).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, closeStore, err := openBackend(ctx, cfg.Server)
		if err != nil {
			return err
		}
		defer closeStore()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}
		srv := gateway.NewServer(store,
			gateway.WithToken(cfg.Server.Token),
			gateway.WithServerLogger(logger),
			gateway.WithRegistry(reg),
		)
		logger.Info().Str("addr", addr).Str("backend", cfg.Server.Backend).Msg("starting chatsync gateway")
		return srv.ListenAndServe(ctx, addr)
	},
}

func openBackend(ctx context.Context, c ConfigServer) (chatsync.RemoteStore, func(), error) {
	switch c.Backend {
	case "memory":
		s := chatsync.NewMemoryStore()
		return s, func() { _ = s.Close() }, nil
	case "mongo":
		if c.MongoURI == "" {
			return nil, nil, fmt.Errorf("server.mongo_uri is required for the mongo backend")
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := mongostore.Connect(connectCtx, c.MongoURI, c.MongoDatabase, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("database", c.MongoDatabase).Msg("connected to MongoDB")
		return s, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Close(closeCtx)
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
}
