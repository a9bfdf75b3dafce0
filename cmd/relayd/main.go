// Package main is the entry point for the relay daemon.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keanuklestil/nostrrelay/internal/address"
	"github.com/keanuklestil/nostrrelay/internal/config"
	"github.com/keanuklestil/nostrrelay/internal/group"
	"github.com/keanuklestil/nostrrelay/internal/hub"
	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/policy"
	"github.com/keanuklestil/nostrrelay/internal/relayserver"
	"github.com/keanuklestil/nostrrelay/internal/store"
	"github.com/keanuklestil/nostrrelay/internal/store/sqlitestore"
	"github.com/keanuklestil/nostrrelay/internal/webinfo"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the relay's YAML configuration")
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("nostrrelay")
	log.Println("==========")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutting down...")
		cancel()
	}()

	eventStore, groupStore, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer closeStore()

	identity, err := relayIdentity(cfg)
	if err != nil {
		log.Fatalf("failed to establish relay identity: %v", err)
	}
	cfg.Info.PubKey = identity.PubKeyHex
	log.Printf("[Identity] relay pubkey %s", identity.PubKeyHex)

	mode := classifyMode(cfg)

	h := hub.New()
	go h.Run()

	publisher := relayserver.NewPublisher(h, eventStore)
	groups := group.NewManager(groupStore, identity, publisher)
	resolver := address.NewResolver()

	standardPolicies := standardPoliciesFrom(cfg)
	pipeline := relayserver.BuildPipeline(eventStore, resolver, groups, standardPolicies...)

	dispatcher := relayserver.New(h, pipeline, eventStore, resolver, mode, cfg.RelayURL())

	mux := dispatcher.Mux(webinfo.Handler(cfg))

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: mux,
	}

	log.Printf("[Server] listening on %s", cfg.ListenAddr())
	log.Printf("[Server] relay url %s", cfg.RelayURL())

	go func() {
		var err error
		if cfg.Server.SSL {
			err = srv.ListenAndServeTLS(cfg.Server.SSLOptions.CertFile, cfg.Server.SSLOptions.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	h.Stop()
	log.Println("shutdown complete")
}

func openStores(ctx context.Context, cfg *config.Config) (store.Store, group.Store, func(), error) {
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := sqlitestore.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		events := db.EventStore()
		groups := db.GroupStore()
		if err := events.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		if err := groups.Init(ctx); err != nil {
			return nil, nil, nil, err
		}
		return events, groups, func() { db.Close() }, nil
	default:
		return store.NewMemoryStore(), group.NewMemoryStore(), func() {}, nil
	}
}

func classifyMode(cfg *config.Config) nevent.ClassifyMode {
	if cfg.Policies.ClassifyMode == "strict" {
		return nevent.Strict
	}
	return nevent.Broad
}

func relayIdentity(cfg *config.Config) (*group.RelayIdentity, error) {
	if cfg.Identity.SecretKeyHex == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		cfg.Identity.SecretKeyHex = hex.EncodeToString(key)
		log.Println("[Identity] no secret_key configured, generated an ephemeral one for this run")
	}
	return group.NewRelayIdentity(cfg.Identity.SecretKeyHex)
}

func standardPoliciesFrom(cfg *config.Config) []policy.RejectEventFunc {
	var policies []policy.RejectEventFunc
	p := cfg.Policies

	if len(p.ForbidKinds) > 0 {
		policies = append(policies, policy.ForbidKinds(p.ForbidKinds...))
	}
	if p.MaxTags > 0 {
		policies = append(policies, policy.MaxTags(p.MaxTags))
	}
	if p.MaxContentBytes > 0 {
		policies = append(policies, policy.MaxContentBytes(p.MaxContentBytes))
	}
	if p.MaxFutureSkewSeconds > 0 {
		policies = append(policies, policy.MaxFutureSkew(time.Duration(p.MaxFutureSkewSeconds)*time.Second))
	}
	if p.MaxPastSeconds > 0 {
		policies = append(policies, policy.MaxPast(time.Duration(p.MaxPastSeconds)*time.Second))
	}
	if len(p.BlockPubkeys) > 0 {
		policies = append(policies, policy.BlockPubkeys(p.BlockPubkeys...))
	}
	if len(p.AllowPubkeys) > 0 {
		policies = append(policies, policy.AllowPubkeys(p.AllowPubkeys...))
	}
	if len(p.RequireAuthKinds) > 0 {
		policies = append(policies, policy.RequireAuth(p.RequireAuthKinds...))
	}
	policies = append(policies, policy.SignatureLengthSanity(), policy.Kind0Valid())

	return policies
}
