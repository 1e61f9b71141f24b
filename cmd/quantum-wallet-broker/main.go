package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-broker/cmd/quantum-wallet-broker/config"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/assets"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/broker"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/chain"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/host"
	brokerhttp "github.com/quantumauth-io/quantum-wallet-broker/internal/http"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/networks"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/state"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	log.Info("quantum-wallet-broker",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to parse config", "error", err)
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case cmdImportSeed:
			if err = runImportSeed(cfg); err != nil {
				log.Fatal("import failed", "error", err)
			}
		default:
			log.Fatal("unknown command", "command", os.Args[1])
		}
		return
	}

	// ---- account store
	keys, err := keystore.Open(keystore.Options{
		Dir:         cfg.Keystore.Dir,
		MetaPath:    cfg.Keystore.AccountsFile,
		LightScrypt: cfg.Keystore.LightScrypt,
	})
	if err != nil {
		log.Error("failed to open keystore", "error", err)
		return
	}

	// ---- request queue, popup and badge
	relay := host.NewRelay(cfg.Host.CommandTimeout)
	origins := state.NewOrigins(cfg.Authorization.OriginsFile)
	if err = origins.Load(); err != nil {
		log.Error("failed to load origin decisions", "error", err)
		return
	}
	popup := state.NewPopup(relay, host.WindowSpec{
		URL:    cfg.Popup.Page,
		Type:   cfg.Popup.Type,
		Width:  cfg.Popup.Width,
		Height: cfg.Popup.Height,
		Left:   cfg.Popup.Left,
		Top:    cfg.Popup.Top,
	}, cfg.Host.CommandTimeout)
	st := state.New(relay, popup, origins, state.Options{CacheRejections: cfg.Authorization.CacheRejections})
	relay.OnWindowClosed(st.WindowClosed)

	// ---- chain, heads and balances
	endpoints := networks.NewManager(cfg.Chain.EndpointsFile)
	if err = endpoints.Load(); err != nil {
		log.Error("failed to load endpoints", "error", err)
		return
	}
	defaults := make([]networks.Endpoint, 0, len(cfg.Chain.Endpoints))
	for _, e := range cfg.Chain.Endpoints {
		defaults = append(defaults, networks.Endpoint{Name: e.Name, URL: e.URL})
	}
	if err = endpoints.EnsureFromConfig(defaults); err != nil {
		log.Warn("failed to store configured endpoints", "error", err)
	}

	manager := chain.NewManager(chain.DialRPC, chain.Options{
		DialTimeout:    cfg.Chain.DialTimeout,
		MaxRetries:     cfg.Chain.MaxRetries,
		InitialBackoff: cfg.Chain.InitialBackoff,
		MaxBackoff:     cfg.Chain.MaxBackoff,
	})
	defer manager.Close()

	heads := chain.NewHeadTracker(manager, cfg.Chain.HeadInterval)
	defer heads.Close()

	agg := assets.NewAggregator(st, assets.Options{
		Symbol:         cfg.Assets.Symbol,
		Decimals:       cfg.Assets.Decimals,
		DisplayDigits:  cfg.Assets.DisplayDigits,
		QueryTimeout:   cfg.Assets.QueryTimeout,
		MaxConcurrency: cfg.Assets.MaxConcurrency,
	})
	defer agg.Close()

	manager.OnChange(agg.SetChain)
	keys.OnChange(agg.SetAccounts)
	agg.SetAccounts(keys.Accounts())
	if cfg.Chain.RefreshOnHead {
		heads.OnHead(func(chain.ChainState) { agg.Refresh() })
	}

	if err = manager.SetEndpoint(cfg.Chain.DefaultEndpoint); err != nil {
		log.Error("invalid default endpoint", "endpoint", cfg.Chain.DefaultEndpoint, "error", err)
		return
	}

	// ---- transport
	ext := broker.New(broker.Deps{
		State:    st,
		Chain:    manager,
		Heads:    heads,
		Assets:   agg,
		Accounts: keys,
		Relay:    relay,
		Networks: endpoints,
	})

	var pairingToken string
	if cfg.Server.Pairing {
		pairingToken, err = brokerhttp.LoadPairingToken(cfg.Server.PairingFile)
		if err != nil {
			pairingToken, err = brokerhttp.NewPairingToken(cfg.Server.PairingFile)
			if err != nil {
				log.Error("failed to create pairing token", "error", err)
				return
			}
		}
		log.Info("extension pairing enabled", "token_file", cfg.Server.PairingFile)
	}

	srv := brokerhttp.NewServer(brokerhttp.Deps{
		Extension: ext,
		State:     st,
		Chain:     manager,
		Relay:     relay,
	}, brokerhttp.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PairingToken:   pairingToken,
		WriteTimeout:   cfg.Server.WriteTimeout,
	})

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           brokerhttp.NewRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	} else {
		log.Info("HTTP server gracefully stopped")
	}
}
