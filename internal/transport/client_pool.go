package transport

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientPool keeps one gRPC connection per replica address
type ClientPool struct {
	connections map[string]*grpc.ClientConn
	mu          sync.RWMutex
	dialOptions []grpc.DialOption
	logger      *zap.Logger
}

// PoolConfig holds client pool configuration
type PoolConfig struct {
	MaxMessageSize   int
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// NewClientPool creates a client pool. extra options are appended to the
// defaults, so tests can supply their own dialer.
func NewClientPool(cfg *PoolConfig, logger *zap.Logger, extra ...grpc.DialOption) *ClientPool {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if cfg.MaxMessageSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		))
	}
	if cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}

	return &ClientPool{
		connections: make(map[string]*grpc.ClientConn),
		dialOptions: append(opts, extra...),
		logger:      logger,
	}
}

// Get returns a client for address, creating the connection on first use
func (p *ClientPool) Get(address string) (*ReplicaClient, error) {
	p.mu.RLock()
	conn, ok := p.connections[address]
	p.mu.RUnlock()
	if ok {
		return NewReplicaClient(conn), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.connections[address]; ok {
		return NewReplicaClient(conn), nil
	}

	conn, err := grpc.NewClient(address, p.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	p.connections[address] = conn

	p.logger.Debug("Created replica connection", zap.String("address", address))
	return NewReplicaClient(conn), nil
}

// Close closes every pooled connection
func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, conn := range p.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection to %s: %w", addr, err)
		}
	}
	p.connections = make(map[string]*grpc.ClientConn)
	return firstErr
}
