package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stoik/guardian/internal/mock"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	seedEvery := 30 * time.Second
	if v := os.Getenv("SEED_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatal("invalid SEED_INTERVAL", "value", v, "err", err)
		}
		seedEvery = d
	}

	srv := mock.NewServer()

	// MAILBOXES is a comma separated list of email=token pairs.
	for _, pair := range strings.Split(os.Getenv("MAILBOXES"), ",") {
		email, token, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		srv.AddMailbox(email, token)
		log.Info("Registered mailbox", "email", email)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if seedEvery > 0 {
		go srv.Seed(ctx, seedEvery)
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: srv.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("Starting mock Gmail API server", "addr", httpSrv.Addr, "seed_interval", seedEvery)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", "err", err)
	}
}
