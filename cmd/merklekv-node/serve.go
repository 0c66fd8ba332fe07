package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/broker"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/command"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/config"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/correlator"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/lifecycle"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/log"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/queue"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/replication"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/security"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/storage"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/topic"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one node: connect to the broker and serve commands, replication, and anti-entropy",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "localhost", "MQTT broker host")
	serveCmd.Flags().Int("port", 1883, "MQTT broker port")
	serveCmd.Flags().Bool("tls", false, "Use TLS to connect to the broker")
	serveCmd.Flags().String("username", "", "MQTT username")
	serveCmd.Flags().String("password", "", "MQTT password")
	serveCmd.Flags().String("client-id", "", "This node's MQTT client id (required)")
	serveCmd.Flags().String("node-id", "", "This node's replication node id, defaults to client-id")
	serveCmd.Flags().String("topic-prefix", "merkle_kv", "Topic scheme prefix")
	serveCmd.Flags().Bool("controller", false, "Grant this node controller access (bypasses per-client ACL)")
	serveCmd.Flags().String("replication-access", "readWrite", "Replication access: none, read, readWrite")
	serveCmd.Flags().String("data-dir", "", "Directory for durable storage/outbox/queue (empty = in-memory only)")
	serveCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (empty = disabled)")
	serveCmd.Flags().Int("keep-alive-seconds", 60, "MQTT keep-alive interval")

	_ = serveCmd.MarkFlagRequired("client-id")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithNodeID(cfg.NodeID)

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		go serveMetrics(addr, logger)
	}

	var journal *storage.Journal
	if cfg.PersistenceEnabled {
		journal, err = storage.OpenJournal(filepath.Join(cfg.StoragePath, "journal.db"))
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	engine, err := storage.NewEngine(storage.Config{
		NodeID:             cfg.NodeID,
		TombstoneRetention: time.Duration(cfg.TombstoneRetentionHours) * time.Hour,
		SkewMaxFuture:      time.Duration(cfg.SkewMaxFutureMs) * time.Millisecond,
		Journal:            journal,
	})
	if err != nil {
		return err
	}

	willTopic, err := topic.ResponseTopic(cfg.TopicPrefix, cfg.ClientID)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if cfg.UseTLS {
		tlsConfig = &tls.Config{MinVersion: security.MinTLSVersion}
	}

	brokerClient := broker.NewClient(cfg, tlsConfig, &broker.LastWill{
		Topic:   willTopic,
		Payload: []byte(`{"status":"offline"}`),
		QoS:     1,
		Retain:  true,
	}, log.WithComponent("broker"))

	router := topic.NewRouter(cfg, brokerClient, log.WithComponent("topic"))

	var outbox *replication.Outbox
	var queueStore *queue.Store
	if cfg.PersistenceEnabled {
		outbox, err = replication.OpenOutbox(filepath.Join(cfg.StoragePath, "outbox.db"))
		if err != nil {
			return err
		}
		defer outbox.Close()

		queueStore, err = queue.OpenStore(filepath.Join(cfg.StoragePath, "queue.db"))
		if err != nil {
			return err
		}
		defer queueStore.Close()
	} else {
		outbox, _ = replication.OpenOutbox("")
	}

	publisher := replication.NewPublisher(outbox, router, log.WithComponent("replication"))
	applier := replication.NewApplier(engine, cfg.NodeID, log.WithComponent("replication"))
	syncManager := replication.NewSyncManager(engine, cfg.NodeID, router, log.WithComponent("sync"))

	processor := command.NewProcessor(engine, publisher, 4096, log.WithComponent("command"))
	corr := correlator.New(router, log.WithComponent("correlator"))

	offlineQueue, err := queue.New(queue.Config{
		MaxOps:    cfg.MaxQueuedOps,
		MaxAge:    cfg.QueueMaxAge,
		BatchSize: cfg.QueueBatchSize,
	}, queueStore, time.Now, log.WithComponent("queue"))
	if err != nil {
		return err
	}

	dispatcher := &correlatorDispatcher{correlator: corr, target: cfg.ClientID}

	if err := router.SubscribeCommands(func(_ string, payload []byte) {
		var envelope model.CommandEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			logger.Warn().Err(err).Msg("discarding malformed command envelope")
			return
		}
		resp := processor.Process(envelope)
		out, err := json.Marshal(resp)
		if err != nil {
			logger.Error().Err(err).Msg("failed to marshal response envelope")
			return
		}
		if err := router.PublishResponse(out); err != nil {
			logger.Warn().Err(err).Msg("failed to publish response")
		}
	}); err != nil {
		return err
	}

	if err := router.SubscribeResponses(cfg.ClientID, func(_ string, payload []byte) {
		var resp model.ResponseEnvelope
		if err := json.Unmarshal(payload, &resp); err != nil {
			logger.Warn().Err(err).Msg("discarding malformed response envelope")
			return
		}
		corr.Deliver(resp)
	}); err != nil {
		return err
	}

	if cfg.ReplicationAccess != config.ReplicationNone {
		if err := router.SubscribeReplicationEvents(func(_ string, payload []byte) {
			if err := applier.Apply(payload); err != nil {
				logger.Debug().Err(err).Msg("replication event rejected")
			}
		}); err != nil {
			return err
		}
		if err := router.SubscribeSyncRoot(func(_ string, payload []byte) {
			if err := syncManager.ReceiveRoot(payload); err != nil {
				logger.Warn().Err(err).Msg("failed to process sync root")
			}
		}); err != nil {
			return err
		}
		if err := router.SubscribeSyncLeaves(func(_ string, payload []byte) {
			diverged, err := syncManager.ReceiveLeaves(payload)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to process sync leaves")
				return
			}
			if len(diverged) > 0 {
				logger.Info().Int("count", len(diverged)).Msg("anti-entropy found divergent keys, awaiting repair via replication stream")
			}
		}); err != nil {
			return err
		}
	}

	gcStop := make(chan struct{})
	go runTombstoneGC(engine, gcStop, log.WithComponent("storage"))
	defer close(gcStop)

	collector := metrics.NewCollector(engine, offlineQueue)
	collector.Start()
	defer collector.Stop()

	router.Start()
	defer router.Stop()
	corr.Start()
	defer corr.Stop()
	publisher.Start()
	defer publisher.Stop()
	syncManager.Start()
	defer syncManager.Stop()
	offlineQueue.Start()
	defer offlineQueue.Stop()

	lifecycleMgr := lifecycle.NewManager(brokerClient, publisher, log.WithComponent("lifecycle"))

	if err := brokerClient.Connect(); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, reconnect loop engaged")
	}

	go watchReconnects(brokerClient, offlineQueue, dispatcher, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	_ = lifecycleMgr.HandleAppState(lifecycle.Terminating)
	return nil
}

// correlatorDispatcher adapts the correlator to queue.Dispatcher so a
// reconnect drains buffered commands back out to their original target.
type correlatorDispatcher struct {
	correlator *correlator.Correlator
	target     string
}

func (d *correlatorDispatcher) Dispatch(ctx context.Context, op model.QueuedOperation) error {
	envelope := op.Payload
	if envelope.ID == "" {
		envelope.ID = uuid.NewString()
	}
	_, err := d.correlator.Send(ctx, d.target, envelope)
	return err
}

// watchReconnects drains the offline queue back out through dispatcher
// every time the broker transitions to Connected, so commands buffered
// while disconnected are replayed in priority order on reconnect.
func watchReconnects(client *broker.Client, q *queue.Queue, dispatcher queue.Dispatcher, logger zerolog.Logger) {
	states, cancel := client.ConnectionState()
	defer cancel()
	for state := range states {
		if state != broker.Connected {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		q.DrainOnConnect(ctx, dispatcher)
		cancel()
		stats := q.Stats()
		logger.Info().Int("processed", stats.Processed).Int("failed", stats.Failed).Msg("offline queue drained on reconnect")
	}
}

func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	useTLS, _ := cmd.Flags().GetBool("tls")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	clientID, _ := cmd.Flags().GetString("client-id")
	nodeID, _ := cmd.Flags().GetString("node-id")
	topicPrefix, _ := cmd.Flags().GetString("topic-prefix")
	isController, _ := cmd.Flags().GetBool("controller")
	replicationAccess, _ := cmd.Flags().GetString("replication-access")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	keepAlive, _ := cmd.Flags().GetInt("keep-alive-seconds")

	if nodeID == "" {
		nodeID = clientID
	}

	builder := config.NewBuilder().
		Endpoint(host, port, useTLS).
		Credentials(username, password).
		Identity(clientID, nodeID).
		TopicPrefix(topicPrefix).
		Access(config.ReplicationAccess(replicationAccess), isController).
		Persistence(dataDir != "", dataDir)
	builder.Timing(keepAlive, 86_400, 20)

	return builder.Build()
}

// runTombstoneGC periodically drops tombstones that have cleared the
// configured retention window, so a long-lived node's journal doesn't
// grow without bound from deletions alone.
func runTombstoneGC(engine *storage.Engine, stop <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			collected := engine.GCTombstones(time.Now())
			if collected > 0 {
				logger.Info().Int("collected", collected).Msg("garbage collected tombstones")
			}
		}
	}
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
