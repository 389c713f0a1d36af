package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/devrev/pairdb/promoter/internal/config"
	"github.com/devrev/pairdb/promoter/internal/handler"
	"github.com/devrev/pairdb/promoter/internal/health"
	"github.com/devrev/pairdb/promoter/internal/membership"
	"github.com/devrev/pairdb/promoter/internal/metrics"
	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/replica"
	"github.com/devrev/pairdb/promoter/internal/server"
	"github.com/devrev/pairdb/promoter/internal/service"
	"github.com/devrev/pairdb/promoter/internal/storage/boltlog"
	"github.com/devrev/pairdb/promoter/internal/store"
	"github.com/devrev/pairdb/promoter/internal/transport"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the replica service and the promotion admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger, err := initLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// node holds the long-lived components of a running promoter
type node struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	membership membership.Source
	gossip     *membership.GossipMembership
	epochs     store.EpochStore
	episodes   store.EpisodeStore
	log        *boltlog.Log
	grpcServer *grpc.Server
	pool       *transport.ClientPool
	dispatcher *transport.Dispatcher
	promotions *service.PromotionService
	admin      *server.Server
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting PairDB promoter",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("version", version),
		zap.Bool("replica_enabled", cfg.Replica.Enabled),
		zap.String("membership_mode", cfg.Membership.Mode))

	n := &node{cfg: cfg, logger: logger}
	defer n.close()
	if err := n.init(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if n.grpcServer != nil {
		lis, err := net.Listen("tcp", cfg.Server.Address())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Address(), err)
		}
		g.Go(func() error {
			logger.Info("Starting gRPC server", zap.String("address", cfg.Server.Address()))
			return n.grpcServer.Serve(lis)
		})
	}

	g.Go(n.admin.Start)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")
		return n.shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	logger.Info("Promoter stopped")
	return nil
}

func (n *node) init(ctx context.Context) error {
	cfg := n.cfg
	var err error

	if cfg.Metrics.Enabled {
		n.metrics = metrics.NewMetrics(prometheus.DefaultRegisterer)
	}

	local := model.ReplicaInfo{
		ReplicaID: model.ReplicaID(cfg.Server.NodeID),
		Address:   cfg.Replica.AdvertiseAddress,
	}
	if local.Address == "" {
		local.Address = cfg.Server.Address()
	}
	if cfg.Replica.Enabled {
		for _, p := range cfg.Replica.Partitions {
			local.Partitions = append(local.Partitions, model.PartitionID(p))
		}
	}

	switch cfg.Membership.Mode {
	case config.MembershipGossip:
		n.gossip, err = membership.NewGossipMembership(&membership.GossipConfig{
			BindAddr:       cfg.Membership.BindAddr,
			BindPort:       cfg.Membership.BindPort,
			SeedNodes:      cfg.Membership.SeedNodes,
			GossipInterval: cfg.Membership.GossipInterval,
			ProbeInterval:  cfg.Membership.ProbeInterval,
			ProbeTimeout:   cfg.Membership.ProbeTimeout,
		}, local, n.logger)
		if err != nil {
			return fmt.Errorf("failed to join gossip cluster: %w", err)
		}
		n.membership = n.gossip
	default:
		n.membership, err = membership.LoadStaticMembership(cfg.Membership.StaticFile)
		if err != nil {
			return fmt.Errorf("failed to load static membership: %w", err)
		}
	}
	n.logger.Info("Membership initialized", zap.String("mode", cfg.Membership.Mode))

	if cfg.Redis.Enabled {
		n.epochs, err = store.NewRedisEpochStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, n.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize epoch store: %w", err)
		}
	} else {
		n.logger.Warn("Redis disabled, epochs are only unique within this process")
		n.epochs = store.NewMemoryEpochStore()
	}

	if cfg.Database.Enabled {
		pg, err := store.NewPostgresEpisodeStore(ctx,
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			n.logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize episode store: %w", err)
		}
		n.episodes = pg
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate episode store: %w", err)
			}
		}
	} else {
		n.episodes = store.NewMemoryEpisodeStore()
	}

	if cfg.Replica.Enabled {
		if err := os.MkdirAll(cfg.Replica.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		n.log, err = boltlog.Open(filepath.Join(cfg.Replica.DataDir, "replica.db"), n.logger)
		if err != nil {
			return err
		}
		replicaSvc := replica.NewService(&replica.Config{
			ReplicaID: local.ReplicaID,
			ChunkSize: cfg.Replica.ChunkSize,
		}, n.log, n.metrics, n.logger)

		n.grpcServer = grpc.NewServer(
			grpc.MaxRecvMsgSize(cfg.Server.MaxRecvMsgSize),
			grpc.MaxSendMsgSize(cfg.Server.MaxRecvMsgSize),
		)
		transport.RegisterReplicaServer(n.grpcServer, handler.NewReplicaHandler(replicaSvc, n.logger))
	}

	n.pool = transport.NewClientPool(&transport.PoolConfig{
		MaxMessageSize:   cfg.Transport.MaxMessageSize,
		KeepaliveTime:    cfg.Transport.KeepaliveTime,
		KeepaliveTimeout: cfg.Transport.KeepaliveTimeout,
	}, n.logger)
	n.dispatcher = transport.NewDispatcher(&transport.DispatcherConfig{
		RequestTimeout:   cfg.Transport.RequestTimeout,
		RepairsPerSecond: cfg.Transport.RepairsPerSecond,
		RepairBurst:      cfg.Transport.RepairBurst,
		Workers:          cfg.Transport.Workers,
		QueueSize:        cfg.Transport.QueueSize,
		InboxSize:        cfg.Transport.InboxSize,
	}, n.pool, n.membership, n.logger)

	n.promotions = service.NewPromotionService(&service.PromotionConfig{
		LeaderID:       local.ReplicaID,
		ExcludeLeader:  cfg.Promotion.ExcludeLeader,
		EpisodeTimeout: cfg.Promotion.EpisodeTimeout,
		HistoryLimit:   cfg.Promotion.HistoryLimit,
	}, n.epochs, n.episodes, n.membership, service.DispatcherMailboxes(n.dispatcher), n.metrics, n.logger)

	hc := health.NewHealthChecker(n.logger)
	hc.AddPinger("epoch_store", n.epochs)
	hc.AddPinger("episode_store", n.episodes)
	if n.gossip != nil {
		hc.AddCheck("membership", func(ctx context.Context) error {
			if n.gossip.NumMembers() == 0 {
				return errors.New("no gossip members")
			}
			return nil
		})
	}

	n.admin = server.NewServer(&server.Config{
		Host:         cfg.Admin.Host,
		Port:         cfg.Admin.Port,
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		IdleTimeout:  cfg.Admin.IdleTimeout,
		PromoteRPS:   cfg.Admin.PromoteRPS,
		PromoteBurst: cfg.Admin.PromoteBurst,
		MetricsPath:  cfg.Metrics.Path,
	}, n.promotions, hc, prometheus.DefaultGatherer, n.logger)

	n.logger.Info("All components initialized")
	return nil
}

// shutdown stops the servers; close releases the rest
func (n *node) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Server.ShutdownTimeout)
	defer cancel()

	n.promotions.Close()
	err := n.admin.Shutdown(ctx)

	if n.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			n.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			n.logger.Warn("Graceful stop timed out, forcing")
			n.grpcServer.Stop()
		}
	}
	return err
}

func (n *node) close() {
	if n.dispatcher != nil {
		if err := n.dispatcher.Stop(5 * time.Second); err != nil {
			n.logger.Warn("Repair dispatcher did not stop cleanly", zap.Error(err))
		}
	}
	if n.pool != nil {
		n.pool.Close()
	}
	if n.log != nil {
		n.log.Close()
	}
	if n.episodes != nil {
		n.episodes.Close()
	}
	if n.epochs != nil {
		n.epochs.Close()
	}
	if n.gossip != nil {
		n.gossip.Shutdown()
	}
}
