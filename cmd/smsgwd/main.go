// Command smsgwd is the SMS gateway daemon: it wires config, the encrypted
// message store, the modem driver, the event bus, the webhook dispatcher
// and the HTTP/WebSocket adapter together into a single binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warthog618/smsgw/internal/config"
	"github.com/warthog618/smsgw/internal/driver"
	"github.com/warthog618/smsgw/internal/eventbus"
	"github.com/warthog618/smsgw/internal/httpapi"
	"github.com/warthog618/smsgw/internal/store"
	"github.com/warthog618/smsgw/internal/webhook"
)

// version is the value served from GET /sys/version.
const version = "smsgwd dev"

// shutdownGrace bounds how long in-flight HTTP requests get to finish
// once a shutdown signal arrives.
const shutdownGrace = 5 * time.Second

// startupLinkTimeout bounds how long run waits for the modem's first
// connect before giving up and exiting 2 (spec §6).
const startupLinkTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

// run implements main and returns an exit code instead of calling
// os.Exit directly, per spec §6: 0 clean, 1 config/validation, 2
// hardware/link failure at startup, 130 on signal.
func run() int {
	confPath := flag.String("c", "conf.ini", "path to the gateway config file")
	showHelp := flag.Bool("h", false, "show usage")
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return 0
	}

	logger := log.New(os.Stderr, "smsgwd: ", log.LstdFlags)

	cfg, err := config.Load(*confPath)
	if err != nil {
		logger.Printf("invalid config: %v", err)
		return 1
	}

	st, err := store.Open(cfg.DBPath, cfg.EncryptionKey)
	if err != nil {
		logger.Printf("open store: %v", err)
		return 1
	}
	defer st.Close()

	bus := eventbus.New(cfg.EventBusQueueDepth)

	wd, err := webhook.New(bus, cfg.Webhooks, logger)
	if err != nil {
		logger.Printf("start webhook dispatcher: %v", err)
		return 1
	}
	defer wd.Close()

	d := driver.New(cfg.Driver, bus, st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.Run(ctx)
	linkCtx, cancelLink := context.WithTimeout(ctx, startupLinkTimeout)
	err = waitForLink(linkCtx, bus)
	cancelLink()
	if err != nil {
		logger.Printf("modem did not come up within %v: %v", startupLinkTimeout, err)
		return 2
	}

	handler := httpapi.New(d, st, bus, cfg.BearerToken, version, logger)
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: handler}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return 130
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
			return 1
		}
	}
	return 0
}

// waitForLink blocks until the modem's first link-state transition arrives
// or ctx is cancelled, so the daemon fails fast (exit 2) when the modem
// never comes up, instead of serving an HTTP API with no modem behind it.
func waitForLink(ctx context.Context, bus *eventbus.Bus) error {
	sub := bus.Subscribe(eventbus.Drop, eventbus.KindModemLinkState)
	defer sub.Unsubscribe()
	select {
	case ev := <-sub.C:
		if st, ok := ev.Payload.(driver.LinkState); ok && st.Connected {
			return nil
		}
		return fmt.Errorf("modem reported disconnected")
	case <-ctx.Done():
		return ctx.Err()
	}
}
