package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/eventrouter-go/internal/meshnode"
	"github.com/rmacdonaldsmith/eventrouter-go/pkg/eventrouter"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	configPath    string
	nodeID        string
	listen        string
	peers         []string
	etcdEndpoints []string
	tail          []string
	stdinTopic    string
	logLevel      string
	logFormat     string
	secret        string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a router node",
		Long: `Run a router node until SIGINT or SIGTERM.

Membership is static (--peers) unless etcd endpoints are given. Topics passed to
--tail are subscribed and every event is logged; with --stdin-topic every line
read from standard input is published to that topic.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), config, cmd.InOrStdin())
		},
	}

	opts.bindFlags(cmd)
	return cmd
}

func (o *serveOptions) bindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&o.nodeID, "node-id", "", "Unique node identifier (default derived from hostname)")
	flags.StringVar(&o.listen, "listen", "", "Listen address for peer connections (default :7946)")
	flags.StringSliceVar(&o.peers, "peers", nil, "Static peers as id@host:port")
	flags.StringSliceVar(&o.etcdEndpoints, "etcd-endpoints", nil, "etcd endpoints for dynamic membership")
	flags.StringSliceVar(&o.tail, "tail", nil, "Topics whose events are logged")
	flags.StringVar(&o.stdinTopic, "stdin-topic", "", "Publish every line of standard input to this topic")
	flags.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error (default info)")
	flags.StringVar(&o.logFormat, "log-format", "", "Log format: json or console (default json)")
	flags.StringVar(&o.secret, "secret", "", "Shared secret for peer authentication")
}

// resolve loads the config file and applies the flags that were set explicitly.
func (o *serveOptions) resolve(cmd *cobra.Command) (*fileConfig, error) {
	config, err := loadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("node-id") {
		config.NodeID = o.nodeID
	}
	if flags.Changed("listen") {
		config.Listen = o.listen
	}
	if flags.Changed("peers") {
		config.Membership.Peers = o.peers
	}
	if flags.Changed("etcd-endpoints") {
		config.Membership.Etcd.Endpoints = o.etcdEndpoints
	}
	if flags.Changed("tail") {
		config.Tail = o.tail
	}
	if flags.Changed("stdin-topic") {
		config.StdinTopic = o.stdinTopic
	}
	if flags.Changed("log-level") {
		config.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		config.LogFormat = o.logFormat
	}
	if flags.Changed("secret") {
		config.Secret = o.secret
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func runServe(ctx context.Context, config *fileConfig, stdin io.Reader) error {
	logger, err := newLogger(config.LogLevel, config.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	membership, err := config.membership(logger)
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}
	node, err := meshnode.NewGRPCMeshNode(config.meshConfig(logger), membership)
	if err != nil {
		if closer, ok := membership.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("failed to create mesh node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("error closing node", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting node",
		zap.String("version", appVersion),
		zap.String("node", config.NodeID),
		zap.String("listen", config.Listen))
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mesh node: %w", err)
	}
	showStartupInfo(ctx, node, config, logger)

	for _, topic := range config.Tail {
		tail := newTailListener(ctx, node.GetRouter(), logger.Named("tail"))
		node.Subscribe(topic, tail)
	}
	if config.StdinTopic != "" {
		go func() {
			if err := publishLines(ctx, node.GetRouter(), config.StdinTopic, stdin, logger); err != nil {
				logger.Warn("stdin publisher stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Stop(shutdownCtx); err != nil {
		logger.Warn("error during graceful stop", zap.Error(err))
	}
	logger.Info("node stopped", zap.String("node", config.NodeID))
	return nil
}

// showStartupInfo logs the configuration the node runs with and its first health report.
func showStartupInfo(ctx context.Context, node *meshnode.Node, config *fileConfig, logger *zap.Logger) {
	membership := "static"
	if len(config.Membership.Etcd.Endpoints) > 0 {
		membership = "etcd"
	}
	fields := []zap.Field{
		zap.String("node", node.GetNodeID()),
		zap.String("membership", membership),
		zap.Bool("authenticated_peers", config.Secret != ""),
		zap.Strings("tail", config.Tail),
	}

	health, err := node.GetHealth(ctx)
	if err != nil {
		logger.Warn("health check failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("node ready", append(fields,
		zap.Bool("healthy", health.Healthy),
		zap.Int("cluster_size", health.ClusterSize),
		zap.Int("connected_peers", health.ConnectedPeers),
		zap.String("status", health.Message))...)
}

// publishLines publishes every line of r to topic until r is exhausted or ctx is done.
func publishLines(ctx context.Context, router eventrouter.EventRouter, topic string, r io.Reader, logger *zap.Logger) error {
	t := eventrouter.GetTopic[string](router, topic,
		eventrouter.WithCodec[string](eventrouter.StringCodec{}),
		eventrouter.WithLogger[string](logger))

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if err := t.Publish(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// tailListener logs every callback of a tailed topic. A subscription closed by
// the cluster rather than by this process is opened again while ctx is live.
type tailListener struct {
	ctx        context.Context
	router     eventrouter.EventRouter
	retryDelay time.Duration
	logger     *zap.Logger
}

func newTailListener(ctx context.Context, router eventrouter.EventRouter, logger *zap.Logger) *tailListener {
	return &tailListener{ctx: ctx, router: router, retryDelay: time.Second, logger: logger}
}

func (l *tailListener) OnOpen(sub eventrouter.Subscription) {
	l.logger.Info("tailing topic", zap.String("topic", sub.Topic()))
}

func (l *tailListener) OnEvent(sub eventrouter.Subscription, event eventrouter.Event) {
	l.logger.Info("event",
		zap.String("topic", event.Topic),
		zap.Uint64("sequence", event.Sequence),
		zap.String("publisher", event.Publisher),
		zap.ByteString("payload", event.Payload))
}

func (l *tailListener) OnClose(sub eventrouter.Subscription, reason eventrouter.CloseReason) {
	l.logger.Warn("tail closed", zap.String("topic", sub.Topic()), zap.Stringer("reason", reason))
	switch reason {
	case eventrouter.ClosePeerLeft, eventrouter.CloseOwnerUnreachable, eventrouter.CloseSlowSubscriber:
	default:
		return
	}
	if l.ctx.Err() != nil {
		return
	}

	// OnClose runs on the delivery path, so the new subscription is made elsewhere.
	topic := sub.Topic()
	go func() {
		select {
		case <-time.After(l.retryDelay):
		case <-l.ctx.Done():
			return
		}
		l.logger.Info("re-subscribing", zap.String("topic", topic), zap.Stringer("after", reason))
		l.router.Subscribe(topic, l)
	}()
}
