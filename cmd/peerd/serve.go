package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shardpeer/contract"
	"shardpeer/dhtnet"
	"shardpeer/identity"
	"shardpeer/internal/config"
	"shardpeer/metrics"
	"shardpeer/nodeclient"
	"shardpeer/protocol"
	"shardpeer/shardserver"
	"shardpeer/storage"
	"shardpeer/token"
	"shardpeer/tunnel"
)

func newServeCmd() *cobra.Command {
	var yamlPath, envFile, listenAddr, storageDir, keyFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the peer: DHT adapter, shard HTTP server and tunnel pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(yamlPath, envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("storage-dir") {
				cfg.StorageDir = storageDir
			}
			if cmd.Flags().Changed("key-file") {
				cfg.KeyFile = keyFile
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&yamlPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&envFile, "env", ".env", "path to a .env file (best-effort)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override listen_addr (libp2p multiaddr)")
	cmd.Flags().StringVar(&storageDir, "storage-dir", "", "override storage_dir")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "override key_file")
	return cmd
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

// loadOrCreateIdentity reads the raw 32-byte scalar at path, or generates
// and persists a fresh one if the file does not yet exist. The on-disk
// format matches what the external key-generation tooling writes.
func loadOrCreateIdentity(path string, log *logrus.Logger) (*identity.Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return identity.FromPrivateKeyBytes(raw, log)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err := identity.Generate(log)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, id.PrivateKeyBytes(), 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

// runServe wires every component and blocks until ctx is canceled or a
// termination signal arrives, then shuts everything down in reverse order.
func runServe(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	id, err := loadOrCreateIdentity(cfg.KeyFile, log)
	if err != nil {
		return err
	}
	log.WithField("node_id", id.NodeID().String()).Info("peerd: identity ready")

	store, err := storage.NewFileStore(cfg.StorageDir, log)
	if err != nil {
		return err
	}
	if err := store.Open(); err != nil {
		return err
	}
	defer store.Close()

	tokens := token.NewTable(cfg.TokenExpire, log)
	go tokens.Run()
	defer tokens.Stop()

	reaper := storage.NewReaper(store, cfg.CleanInterval, log)
	go reaper.Run()
	defer reaper.Stop()

	mgr := protocol.NewManager(store, tokens)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	mgr.SetMetrics(met)
	tokens.SetMetrics(met)

	tun := tunnel.NewServer(log, "0.0.0.0", cfg.MaxTunnels, tunnel.PortRange{Low: cfg.TunnelPortRangeLow, High: cfg.TunnelPortRangeHigh}, cfg.RPCTimeout)
	tun.SetMetrics(met)

	node, err := dhtnet.NewNode(dhtnet.Config{
		ListenAddr:     cfg.ListenAddr,
		DiscoveryTag:   cfg.DiscoveryTag,
		BootstrapPeers: cfg.BootstrapPeers,
	}, id, mgr, tun, log)
	if err != nil {
		return err
	}
	defer node.Close()

	announceCtx, cancelAnnounce := context.WithCancel(ctx)
	defer cancelAnnounce()
	if err := node.StartTunnelAnnounce(announceCtx, cfg.TunnelAnnounceInterval); err != nil {
		log.WithError(err).Warn("peerd: tunnel announce unavailable")
	}

	// Bid on published shard descriptors: sign the farmer side, send OFFER,
	// and record accepted contracts so CONSIGN/RETRIEVE/AUDIT find them.
	farmTopics := cfg.FarmTopics
	if len(farmTopics) == 0 {
		farmTopics = contract.AllTopics()
	}
	payment := cfg.PaymentAddress
	if payment == "" {
		payment = id.Address()
	}
	descriptors, err := nodeclient.SubscribeShardDescriptor(announceCtx, node, farmTopics)
	if err != nil {
		log.WithError(err).Warn("peerd: descriptor subscription unavailable, not farming")
	} else {
		farmer := nodeclient.NewFarmer(nodeclient.New(node), id, store, payment, log)
		go farmer.Run(announceCtx, descriptors)
	}

	shardSrv := shardserver.New(store, tokens, log)
	shardSrv.SetMetrics(met)
	shardSrv.SetGatherer(reg)
	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: shardSrv.Router()}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.MetricsAddr).Info("peerd: shard HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	log.Info("peerd: running, ^C to stop")
	return g.Wait()
}
