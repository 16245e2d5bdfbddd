// Command evalhubd serves evaluation requests over HTTP, fronting one or
// more UCI engine processes. A running daemon is a drop-in upstream for
// the remote backend, so one evalhub can point at another.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/evalhub/internal/backend"
	"github.com/discochess/evalhub/internal/backend/enginehost"
	"github.com/discochess/evalhub/internal/httpapi"
	"github.com/discochess/evalhub/internal/router"
	"github.com/discochess/evalhub/internal/stats/prometheus"
)

func main() {
	listen := flag.String("listen", ":8440", "HTTP listen address")
	engines := flag.String("engines", "stockfish", "comma-separated engine commands, primary first")
	searchTimeout := flag.Duration("search-timeout", enginehost.DefaultSearchTimeout, "per-request search timeout")
	shutdownGrace := flag.Duration("shutdown-grace", 10*time.Second, "time to wait for in-flight requests on shutdown")
	debug := flag.Bool("debug", false, "log at debug level with console encoding")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	collector := prometheus.New(nil)

	var backends []backend.Backend
	for i, command := range strings.Split(*engines, ",") {
		argv := strings.Fields(command)
		if len(argv) == 0 {
			continue
		}
		host, err := enginehost.New(enginehost.Config{
			ID:            fmt.Sprintf("engine-%d", i),
			Command:       argv[0],
			Args:          argv[1:],
			SearchTimeout: *searchTimeout,
			Logger:        log,
			Stats:         collector,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error configuring engine %q: %v\n", command, err)
			os.Exit(1)
		}
		backends = append(backends, host)
	}

	rt, err := router.New(router.Config{
		Backends: backends,
		Logger:   log,
		Stats:    collector,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating router: %v\n", err)
		os.Exit(1)
	}

	handler, err := httpapi.New(httpapi.Config{
		Evaluator: rt,
		Logger:    log,
		Stats:     collector,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating handler: %v\n", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              *listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("daemon listening",
			zap.String("addr", *listen),
			zap.Int("backends", len(backends)))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := rt.Close(); err != nil {
		log.Warn("closing router", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
