package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgeipc/internal/admin"
	"github.com/danmuck/edgeipc/internal/ipc"
	"github.com/danmuck/edgeipc/internal/router"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a server endpoint with echo and ping routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := flags.endpoint(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("admin-addr") {
				ep.AdminAddr = adminAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := ipc.NewServer(ep.IPC())
			if err := registerDemoRoutes(srv.Router(), ep.ID); err != nil {
				return err
			}
			srv.OnNewClient = func(h *ipc.PeerHandle) {
				log.Info().Str("client", h.ID()).Str("remote", h.RemoteAddr()).Msg("serve client connected")
			}
			srv.OnDisconnectedClient = func(h *ipc.PeerHandle) {
				log.Info().Str("client", h.ID()).Msg("serve client disconnected")
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			log.Info().Str("id", ep.ID).Str("addr", srv.Addr()).Msg("serve listening")

			g, gctx := errgroup.WithContext(ctx)
			if ep.AdminAddr != "" {
				a := admin.New(admin.Config{Addr: ep.AdminAddr, CorsOrigins: ep.AdminCORS}, srv)
				g.Go(func() error { return a.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				return srv.Stop()
			})
			err = g.Wait()
			log.Info().Str("id", ep.ID).Msg("serve stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin HTTP listen address (empty disables)")
	return cmd
}

type pong struct {
	ID   string    `json:"id"`
	Peer string    `json:"peer"`
	Time time.Time `json:"time"`
}

func registerDemoRoutes(r *router.Router, id string) error {
	if err := r.AddRoute("echo", func(_ context.Context, body json.RawMessage, _ *router.Request) (any, error) {
		return body, nil
	}); err != nil {
		return err
	}
	return r.AddRoute("ping", func(_ context.Context, _ json.RawMessage, req *router.Request) (any, error) {
		return pong{ID: id, Peer: req.PeerID, Time: time.Now().UTC()}, nil
	})
}
