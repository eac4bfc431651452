package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/mnemos/internal/reflect"
	"github.com/lazypower/mnemos/internal/server"
	"github.com/lazypower/mnemos/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the reflection scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, rt.cfg.Tracing, VersionString(), log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if err := rt.eng.Gate().Watch(ctx); err != nil {
		log.Warn("policy hot reload disabled", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)

	if rt.cfg.Reflection.Enabled {
		sched, err := reflect.NewScheduler(rt.eng.Pipeline(), reflect.DefaultSchedules(rt.cfg.Reflection), rt.cfg.Reflection.Tick)
		if err != nil {
			return fmt.Errorf("reflection scheduler: %w", err)
		}
		g.Go(func() error { return sched.Run(ctx) })
	}

	if rt.eng.Generator().Available() {
		g.Go(func() error {
			n, err := rt.eng.EmbedMissing(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("embed missing", zap.Error(err))
			} else if n > 0 {
				log.Info("embedded missing shards", zap.Int("count", n))
			}
			return nil
		})
	}

	addr := rt.cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(rt.eng, VersionString(), log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("mnemos serving",
			zap.String("addr", addr),
			zap.String("db", rt.db.Path),
			zap.String("embedding", rt.eng.Generator().Model()),
			zap.Strings("peers", rt.eng.Federator().Peers()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	return g.Wait()
}
