package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/auth"
	"github.com/daviddao/verdant/pkg/transport"
)

func (a *app) cmdServe(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := flags.String("addr", a.cfg.Addr, "listen address")
	ping := flags.Duration("ping", transport.DefaultServerSettings().PingInterval, "websocket ping interval")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	signer, err := auth.NewSigner(a.cfg.Secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: serve: %v (set VERDANT_SECRET)\n", err)
		return 1
	}
	settings := transport.DefaultServerSettings()
	settings.PingInterval = *ping

	srv := &http.Server{
		Addr:              *addr,
		Handler:           transport.NewServer(a.registry, signer, settings).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		glog.Infof("[serve] listening on %s (db=%s)", *addr, a.cfg.DB)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "verdant: serve: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		glog.Infof("[serve] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			glog.Warningf("[serve] shutdown: %v", err)
		}
	}
	glog.Flush()
	return 0
}
