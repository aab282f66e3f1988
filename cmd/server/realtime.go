package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifyrelay/internal/adapter/httpserver"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/adapter/redis"
	"github.com/pscheid92/notifyrelay/internal/adapter/websocket"
	"github.com/pscheid92/notifyrelay/internal/domain"
	"github.com/pscheid92/notifyrelay/internal/platform/config"
)

// realtime bundles the selected transport with its HTTP route and lifecycle.
// ready backs /health/ready; unlike endpoint.Ping it ignores capacity.
type realtime struct {
	endpoint  domain.Endpoint
	transport domain.BroadcastTransport
	route     httpserver.Realtime
	ready     func(ctx context.Context) error
	shutdown  func(ctx context.Context) error
}

func setupRealtime(cfg *config.Config, registry domain.Registry, tokens domain.TokenIssuer, redisClient *redis.Client, m *metrics.WebSocketMetrics, clock clockwork.Clock) (*realtime, error) {
	checkOrigin := websocket.NewCheckOrigin(cfg.PublicURL, !cfg.IsProduction())

	switch cfg.Transport {
	case config.TransportCentrifuge:
		node, err := websocket.NewNode(registry, tokens, websocket.NodeOptions{
			Hub:            cfg.HubName,
			DefaultChannel: cfg.TargetChannel,
			LogLevel:       cfg.LogLevel,
			Metrics:        m,
			Ping:           redisClient.Ping,
		})
		if err != nil {
			return nil, err
		}
		if err := node.SetupRedis(cfg.RedisURL); err != nil {
			return nil, err
		}
		if err := node.Run(); err != nil {
			return nil, err
		}
		return &realtime{
			endpoint:  node,
			transport: node,
			route:     httpserver.Realtime{Path: websocket.NodePath, Handler: node.Handler(checkOrigin)},
			ready:     node.Ping,
			shutdown:  node.Shutdown,
		}, nil

	case config.TransportWebSocket:
		hub := websocket.NewHub(registry, tokens, websocket.HubOptions{
			Hub:            cfg.HubName,
			DefaultChannel: cfg.TargetChannel,
			MaxConnections: cfg.MaxWebSocketConnections,
			CheckOrigin:    checkOrigin,
			Clock:          clock,
			Metrics:        m,
		})
		return &realtime{
			endpoint:  hub,
			transport: hub,
			route:     httpserver.Realtime{Path: websocket.ClientPath, Handler: hub},
			ready:     hub.Ready,
			shutdown:  hub.Shutdown,
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
