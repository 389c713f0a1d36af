package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/model"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipMembership learns partition placement from memberlist node metadata.
// Every node advertises a model.ReplicaInfo as its meta; nodes that only
// coordinate promotions advertise no partitions.
type GossipMembership struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	local      model.ReplicaInfo
	logger     *zap.Logger

	mu      sync.RWMutex
	members map[model.ReplicaID]model.ReplicaInfo
}

// NewGossipMembership joins the gossip cluster and advertises local
func NewGossipMembership(cfg *GossipConfig, local model.ReplicaInfo, logger *zap.Logger) (*GossipMembership, error) {
	g := newGossipMembership(cfg, local, logger)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = string(local.ReplicaID)
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEventDelegate{membership: g}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes",
				zap.Int("joined", joined),
				zap.Error(err))
		}
	}

	return g, nil
}

func newGossipMembership(cfg *GossipConfig, local model.ReplicaInfo, logger *zap.Logger) *GossipMembership {
	return &GossipMembership{
		config:  cfg,
		local:   local,
		logger:  logger,
		members: make(map[model.ReplicaID]model.ReplicaInfo),
	}
}

// Replicas returns the live members hosting partition, sorted by id
func (g *GossipMembership) Replicas(ctx context.Context, partition model.PartitionID) ([]model.ReplicaID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]model.ReplicaID, 0)
	for id, info := range g.members {
		if info.Hosts(partition) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Address returns the RPC address a live member advertised
func (g *GossipMembership) Address(replicaID model.ReplicaID) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	info, ok := g.members[replicaID]
	if !ok || info.Address == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownReplica, replicaID)
	}
	return info.Address, nil
}

// NumMembers returns the number of live members known to this node
func (g *GossipMembership) NumMembers() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Shutdown leaves the cluster and stops gossiping
func (g *GossipMembership) Shutdown() error {
	if g.memberlist == nil {
		return nil
	}
	if err := g.memberlist.Leave(time.Second); err != nil {
		g.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return g.memberlist.Shutdown()
}

func (g *GossipMembership) upsert(node *memberlist.Node) {
	var info model.ReplicaInfo
	if err := json.Unmarshal(node.Meta, &info); err != nil {
		g.logger.Warn("Ignoring member with unreadable metadata",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return
	}
	// memberlist node names are unique, so they key the table
	info.ReplicaID = model.ReplicaID(node.Name)

	g.mu.Lock()
	g.members[info.ReplicaID] = info
	g.mu.Unlock()
}

func (g *GossipMembership) remove(node *memberlist.Node) {
	g.mu.Lock()
	delete(g.members, model.ReplicaID(node.Name))
	g.mu.Unlock()
}

// NodeMeta implements memberlist.Delegate
func (g *GossipMembership) NodeMeta(limit int) []byte {
	data, err := json.Marshal(g.local)
	if err != nil || len(data) > limit {
		g.logger.Error("Replica metadata does not fit gossip limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit),
			zap.Error(err))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (g *GossipMembership) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (g *GossipMembership) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *GossipMembership) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (g *GossipMembership) MergeRemoteState(buf []byte, join bool) {}

// gossipEventDelegate keeps the member table in step with memberlist
type gossipEventDelegate struct {
	membership *GossipMembership
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.membership.upsert(node)
	d.membership.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.membership.remove(node)
	d.membership.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node's metadata changes
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.membership.upsert(node)
	d.membership.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
