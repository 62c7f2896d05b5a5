package cloud

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

const (
	// apiKeyMetadataKey is the metadata key for the API key
	apiKeyMetadataKey = "x-api-key"
)

// GRPCConfig holds gRPC watcher configuration
type GRPCConfig struct {
	ServerAddr string // gRPC server address (e.g., "api.example.com:443")
	APIKey     string // API key for authentication
	UseTLS     bool   // Whether to use TLS
	Service    string // health service name, empty for the whole server

	CheckInterval time.Duration // how often health is re-checked while idle
	CheckTimeout  time.Duration

	// Keepalive settings
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default gRPC watcher configuration
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		UseTLS:           true,
		CheckInterval:    15 * time.Second,
		CheckTimeout:     5 * time.Second,
		KeepaliveTime:    30 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCWatcher reports the store reachable while its gRPC channel is ready
// and the health service answers SERVING.
type GRPCWatcher struct {
	config GRPCConfig
	conn   *grpc.ClientConn
	health healthpb.HealthClient

	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mu        sync.Mutex
	connected bool

	onChange func(online bool)
}

// NewGRPCWatcher creates a gRPC connectivity watcher
func NewGRPCWatcher(config GRPCConfig) *GRPCWatcher {
	return &GRPCWatcher{
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// OnChange sets the callback for connectivity transitions
func (w *GRPCWatcher) OnChange(cb func(online bool)) {
	w.mu.Lock()
	w.onChange = cb
	w.mu.Unlock()
}

// Start creates the channel and begins watching it
func (w *GRPCWatcher) Start(ctx context.Context) error {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                w.config.KeepaliveTime,
			Timeout:             w.config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}

	if w.config.UseTLS {
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(w.config.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	w.conn = conn
	w.health = healthpb.NewHealthClient(conn)
	conn.Connect()

	w.wg.Add(1)
	go w.watchLoop(ctx)

	log.Printf("Watching store health at %s", w.config.ServerAddr)
	return nil
}

// Stop ends the watch and closes the channel
func (w *GRPCWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.setConnected(false)
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// IsConnected returns whether the store was healthy at the last check
func (w *GRPCWatcher) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// watchLoop re-evaluates health on every channel state change and at
// least once per CheckInterval
func (w *GRPCWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		state := w.conn.GetState()
		w.setConnected(state == connectivity.Ready && w.checkHealth(ctx))

		waitCtx, waitCancel := context.WithTimeout(ctx, w.config.CheckInterval)
		w.conn.WaitForStateChange(waitCtx, state)
		waitCancel()

		if ctx.Err() != nil {
			return
		}
		if w.conn.GetState() == connectivity.TransientFailure || w.conn.GetState() == connectivity.Idle {
			w.conn.Connect()
		}
	}
}

// checkHealth asks the server's health service for the configured service
func (w *GRPCWatcher) checkHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.config.CheckTimeout)
	defer cancel()
	if w.config.APIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, apiKeyMetadataKey, w.config.APIKey)
	}

	resp, err := w.health.Check(ctx, &healthpb.HealthCheckRequest{Service: w.config.Service})
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Store health check failed: %v", err)
		}
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (w *GRPCWatcher) setConnected(online bool) {
	w.mu.Lock()
	changed := w.connected != online
	w.connected = online
	cb := w.onChange
	w.mu.Unlock()

	if !changed {
		return
	}
	if online {
		log.Printf("Store reachable via gRPC at %s", w.config.ServerAddr)
	} else {
		log.Printf("Store unreachable via gRPC at %s", w.config.ServerAddr)
	}
	if cb != nil {
		cb(online)
	}
}
