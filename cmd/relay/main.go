package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"voicememo-go/internal/config"
	"voicememo-go/internal/logger"
	"voicememo-go/internal/relay"
)

func main() {
	_ = godotenv.Load()

	log := logger.New()

	allow := relay.DefaultAllowlist
	if extra := config.SplitList(os.Getenv("RELAY_ALLOWLIST")); len(extra) > 0 {
		allow = extra
	}
	handler := relay.NewHandler(allow, nil, log)

	addr := fmt.Sprintf(":%s", envOr("PORT", "3001"))
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	log.WithField("addr", addr).WithField("allowlist", allow).Info("relay listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("relay terminated")
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
