package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/azargarov/mandy/engine"
	"github.com/azargarov/mandy/tileserver"
)

const shutdownTimeout = 5 * time.Second

func (e *env) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	addr := fs.String("addr", e.cfg.Server.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lo := e.cfg.LocalOptions()
	lo.Logger = e.log
	local := engine.NewLocal(lo)
	defer local.Close()

	so := e.cfg.ServerOptions()
	so.Logger = e.log
	srv := &http.Server{
		Addr:              *addr,
		Handler:           tileserver.New(local, so),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.log.Info("serving tiles", zap.String("addr", *addr), zap.Float64("rate", so.Rate))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		e.log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
