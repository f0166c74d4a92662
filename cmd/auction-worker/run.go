package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/tenderauction/auction"
	"github.com/cloudx-io/tenderauction/broadcast"
	"github.com/cloudx-io/tenderauction/config"
	"github.com/cloudx-io/tenderauction/intake"
	"github.com/cloudx-io/tenderauction/registry"
	"github.com/cloudx-io/tenderauction/store"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "auction-worker",
		Short:         "Runs a multi-round descending-price tender auction",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	cmd.AddCommand(newRunCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	var listenAddr, storeBackend string

	cmd := &cobra.Command{
		Use:   "run <auction-id>",
		Short: "Schedule the auction and run it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if storeBackend != "" {
				cfg.Store = storeBackend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAuction(ctx, cfg, args[0])
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "address of the bid intake server (overrides AUCTION_LISTEN_ADDR)")
	cmd.Flags().StringVar(&storeBackend, "store", "", "document store backend: file, bolt or redis (overrides AUCTION_STORE)")
	return cmd
}

func runAuction(ctx context.Context, cfg config.Config, auctionID string) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client := registry.NewClient(cfg.RegistryURL,
		registry.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		registry.WithRetry(cfg.ReportMaxTries, cfg.ReportRetryInterval),
	)

	opts := []auction.Option{
		auction.WithClock(auction.NewClock(loc)),
		auction.WithOptions(cfg.EngineOptions()),
	}
	if cfg.NatsURL != "" {
		publisher, err := broadcast.NewNATSPublisher(cfg.NatsURL)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, auction.WithPublisher(publisher))
		log.Printf("INFO: Broadcasting auction %s on %s", auctionID, broadcast.Subject(auctionID))
	}

	engine := auction.NewEngine(auctionID, client, st, opts...)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           intake.NewHandler(engine).SetupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer shutdownServer(server)
		return engine.Run(gctx)
	})
	g.Go(func() error {
		log.Printf("INFO: Bid intake listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("intake server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	var startupErr *auction.StartupError
	switch {
	case errors.As(err, &startupErr):
		log.Printf("ERROR: %v", startupErr)
		return err
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Printf("WARNING: Auction %s interrupted", auctionID)
		return nil
	case err != nil:
		return err
	}

	log.Printf("INFO: Auction %s finished", auctionID)
	return nil
}

func shutdownServer(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("WARNING: Intake server shutdown: %v", err)
	}
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StoreBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create store dir: %w", err)
		}
		st, err := store.OpenBolt(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return st, closer("bolt", st.Close), nil
	case config.StoreRedis:
		st, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return st, closer("redis", st.Close), nil
	default:
		st, err := store.NewFileStore(afero.NewOsFs(), cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}
}

func closer(name string, close func() error) func() {
	return func() {
		if err := close(); err != nil {
			log.Printf("WARNING: Closing %s store: %v", name, err)
		}
	}
}
