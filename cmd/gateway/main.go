// Command gateway runs the service authorization proxy: it terminates
// hub-issued credentials, manages SSO sessions, and forwards authorized
// traffic to registered backend services.
package main

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"masegate/internal/config"
	"masegate/internal/directory"
	"masegate/internal/gateway"
	"masegate/internal/registry"
	"masegate/internal/session"
)

func main() {
	cfgPath := strings.TrimSpace(os.Getenv("GATEWAY_CONFIG"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	users := directory.NewMemory()
	for _, u := range cfg.Users {
		users.Put(u)
	}
	services := registry.NewMemory()
	for _, s := range cfg.Services {
		services.Put(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := buildSessionStore(ctx, cfg)

	gw, err := gateway.New(cfg, gateway.Deps{
		Users:    users,
		Services: services,
		Sessions: sessions,
	})
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	sweeper := session.NewSweeper(sessions, cfg.RefreshGrace.Std())
	sweeper.Start(ctx, cfg.SweepEvery.Std())
	gw.CSRFGuard().Start(ctx, cfg.SweepEvery.Std())

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	healthMux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// Readiness means the session store answers.
		rctx, rcancel := context.WithTimeout(r.Context(), 1200*time.Millisecond)
		defer rcancel()
		if _, err := sessions.List(rctx, "readiness-probe"); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ready\n"))
	})
	healthMux.Handle("/metrics", promhttp.Handler())

	mainServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	healthServer := &http.Server{
		Addr:              cfg.HealthListenAddr,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	useTLS := cfg.SPIFFESocket != "" || (cfg.TLSCertFile != "" && cfg.TLSKeyFile != "")
	if cfg.SPIFFESocket != "" {
		// Secret-less mode: the server identity comes from the SPIFFE
		// Workload API.
		source, err := workloadapi.NewX509Source(ctx,
			workloadapi.WithClientOptions(workloadapi.WithAddr(cfg.SPIFFESocket)))
		if err != nil {
			log.Fatalf("failed to create X509Source: %v", err)
		}
		defer source.Close()
		mainServer.TLSConfig = tlsconfig.MTLSServerConfig(source, source, tlsconfig.AuthorizeAny())
		mainServer.TLSConfig.MinVersion = tls.VersionTLS12
	} else if useTLS {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		pool, err := cfg.ClientCAPool()
		if err != nil {
			log.Fatalf("failed to load client CA: %v", err)
		}
		if pool != nil {
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
		mainServer.TLSConfig = tlsCfg
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("gateway health listening on %s", cfg.HealthListenAddr)
		errCh <- healthServer.ListenAndServe()
	}()
	go func() {
		log.Printf("gateway listening on %s (%d services registered)", cfg.ListenAddr, len(cfg.Services))
		if useTLS {
			if cfg.SPIFFESocket != "" {
				errCh <- mainServer.ListenAndServeTLS("", "")
			} else {
				errCh <- mainServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			}
			return
		}
		errCh <- mainServer.ListenAndServe()
	}()

	log.Fatal(<-errCh)
}

// buildSessionStore connects to Redis when configured and falls back
// to the in-process store when it is absent or unreachable.
func buildSessionStore(ctx context.Context, cfg config.Config) session.Store {
	if cfg.RedisAddr == "" {
		log.Printf("sessions: using in-memory store")
		return session.NewMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("WARN: redis at %s unreachable (%v); falling back to in-memory sessions", cfg.RedisAddr, err)
		_ = client.Close()
		return session.NewMemoryStore()
	}
	log.Printf("sessions: using redis at %s", cfg.RedisAddr)
	return session.NewRedisStore(client, cfg.RefreshGrace.Std())
}
