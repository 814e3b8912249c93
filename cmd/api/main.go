package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"veyra.id/internal/audit"
	"veyra.id/internal/auth"
	"veyra.id/internal/httpapi"
	"veyra.id/internal/obs"
	"veyra.id/internal/policy"
	"veyra.id/internal/ratelimit"
	"veyra.id/internal/rbac"
	"veyra.id/internal/store/pg"
	"veyra.id/internal/token"
)

var version = "0.4.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("IDENTITY_BUILD_COMMIT"))

	secret := os.Getenv("IDENTITY_JWT_SECRET")
	if len(secret) < 32 {
		log.Fatal("IDENTITY_JWT_SECRET must be set to at least 32 bytes")
	}
	dsn := os.Getenv("IDENTITY_PG_DSN")
	if dsn == "" {
		log.Fatal("IDENTITY_PG_DSN must be set")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	issuer, err := token.NewIssuer([]byte(secret), token.WithIssuer("veyra-id"))
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	ctx := context.Background()
	ledger := token.NewLedger(store.RefreshTokens(ctx))

	var limiter auth.RateLimiter
	if addr := os.Getenv("IDENTITY_REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		limiter = ratelimit.New(rdb)
	} else {
		obs.LogEvent(map[string]any{
			"event": "config.no_redis",
			"msg":   "IDENTITY_REDIS_ADDR not set, login rate limiting disabled",
		})
	}

	var authorizer auth.Authorizer
	var admin *rbac.Admin
	resolver := rbac.NewResolver(store)
	dispatcher := audit.NewDispatcher([]audit.Sink{
		audit.LogSink{},
		audit.NewStoreSink(store.Audit()),
	})
	defer dispatcher.Close()

	if policyURL := os.Getenv("IDENTITY_POLICY_URL"); policyURL != "" {
		failOpen, _ := strconv.ParseBool(os.Getenv("IDENTITY_POLICY_FAIL_OPEN"))
		if failOpen {
			obs.LogEvent(map[string]any{
				"event": "config.policy_fail_open",
				"msg":   "policy evaluator outages will allow requests",
			})
		}
		client := policy.NewClient(policyURL)
		pa := policy.NewAuthorizer(client, policy.WithFailOpen(failOpen))
		authorizer = pa
		admin = rbac.NewAdmin(store, client, pa, dispatcher)
	} else {
		obs.LogEvent(map[string]any{
			"event": "config.no_policy",
			"msg":   "IDENTITY_POLICY_URL not set, authorization checks unavailable",
		})
		admin = rbac.NewAdmin(store, nil, nil, dispatcher)
	}

	service := auth.NewService(store, issuer, ledger, limiter, authorizer, resolver, dispatcher)

	api := httpapi.New(service, admin, issuer, httpapi.ReadyProbe{DB: store.DB()}, version)

	handler := httpapi.SecurityHeaders(api.Handler())
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.Throttle(handler, 20, 10)
	handler = httpapi.Logging(handler)

	addr := os.Getenv("IDENTITY_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting veyra-id %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
