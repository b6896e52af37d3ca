// Command funnel is the single operator entry point (spec §6 CLI
// surface): start runs every long-running component in one process
// (the core is small enough that splitting it into separate binaries
// buys nothing yet), reset-state truncates the conversational store
// for a clean demo/dev reset.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"whatsapp-funnel/internal/action"
	"whatsapp-funnel/internal/config"
	"whatsapp-funnel/internal/consumer"
	"whatsapp-funnel/internal/debounce"
	"whatsapp-funnel/internal/dispatch"
	"whatsapp-funnel/internal/htl"
	"whatsapp-funnel/internal/ingress"
	"whatsapp-funnel/internal/llmtransport"
	"whatsapp-funnel/internal/queue"
	"whatsapp-funnel/internal/retrieval"
	"whatsapp-funnel/internal/rpc"
	"whatsapp-funnel/internal/scheduler"
)

func main() {
	log.Logger = log.Output(os.Stdout).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:   "funnel",
		Short: "WhatsApp qualification-funnel core",
	}
	root.AddCommand(startCmd(), stopCmd(), resetStateCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the ingress gateway, RPC server, consumer, and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

const livenessFilePath = "funnel.pid"

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Send SIGTERM to the running `start` process recorded in the liveness file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(livenessFilePath)
			if err != nil {
				return fmt.Errorf("no liveness file at %s, is the core running: %w", livenessFilePath, err)
			}
			var pid int
			if _, err := fmt.Sscanf(string(raw), "%d", &pid); err != nil {
				return fmt.Errorf("parse liveness file: %w", err)
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find process %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal process %d: %w", pid, err)
			}
			log.Info().Int("pid", pid).Msg("sent SIGTERM")
			return nil
		},
	}
}

func resetStateCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset-state",
		Short: "Dangerous: truncate the conversation/lead/message store via the RPC admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to truncate state without --yes")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			client := rpc.NewClient(cfg.InternalAPIBaseURL, cfg.InternalSecret)
			if err := client.ResetState(cmd.Context()); err != nil {
				return fmt.Errorf("reset state: %w", err)
			}
			log.Warn().Msg("conversation/lead/message store truncated")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive reset")
	return cmd
}

// run wires every component named in spec §4 into one process: the
// Ingress Gateway and Internal RPC server each listen on their own
// port, while the Consumer and Scheduler run as background loops
// against the same Redis queue / Postgres pools.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.WriteFile(livenessFilePath, fmt.Appendf(nil, "%d", os.Getpid()), 0o644); err != nil {
		log.Warn().Err(err).Msg("could not write liveness file, `stop` will not find this process")
	}
	defer os.Remove(livenessFilePath)

	rpcPool, err := rpc.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect rpc store: %w", err)
	}
	defer rpcPool.Close()
	if err := rpc.Migrate(ctx, rpcPool); err != nil {
		return fmt.Errorf("migrate rpc store: %w", err)
	}

	retrievalPool, err := retrieval.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect retrieval store: %w", err)
	}
	defer retrievalPool.Close()
	if err := retrieval.Migrate(ctx, retrievalPool); err != nil {
		return fmt.Errorf("migrate retrieval store: %w", err)
	}

	var embedder retrieval.Embedder
	var retrievalSvc *retrieval.Service
	if cfg.LLMAPIKey != "" {
		ge, err := retrieval.NewGenAIEmbedder(ctx, cfg.LLMAPIKey, cfg.EmbeddingModel)
		if err != nil {
			return fmt.Errorf("init embedder: %w", err)
		}
		embedder = ge
		retrievalSvc = retrieval.New(retrievalPool, embedder)
	} else {
		log.Warn().Msg("no LLM_API_KEY configured; retrieval disabled")
	}

	transport, err := llmtransport.New(llmtransport.Config{
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		APIKey:  cfg.LLMAPIKey,
	})
	if err != nil {
		return fmt.Errorf("init llm transport: %w", err)
	}
	pipeline := htl.New(transport, retrievalSvc)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	visibilityTimeout := 2 * cfg.PipelineBudget
	q := queue.NewRedisQueue(redisClient, cfg.QueueURL, visibilityTimeout)

	rpcServer := rpc.NewServer(rpcPool, cfg.InternalSecret, cfg.FollowupBuckets)
	rpcClient := rpc.NewClient(cfg.InternalAPIBaseURL, cfg.InternalSecret)

	applier := action.New(rpcClient, pipeline)
	invoker := dispatch.NewPipelineInvoker(rpcClient, pipeline, applier)

	var locker debounce.Locker
	if cfg.RedisAddr != "" {
		locker = debounce.NewRedisLocker(redisClient, cfg.PipelineBudget)
	}
	debounceMgr := debounce.New(cfg.DebounceWindow, cfg.PipelineBudget, invoker, locker)

	ingressDispatcher := dispatch.NewIngressDispatcher(rpcClient, debounceMgr)
	cons := consumer.New(q, ingressDispatcher)

	gateway := ingress.New(q, cfg.WebhookSignatureSecret, cfg.WebhookVerifyToken)
	sched := scheduler.New(rpcClient, debounceMgr, cfg.SchedulerInterval)

	gin.SetMode(gin.ReleaseMode)
	ingressRouter := gin.New()
	ingressRouter.Use(gin.Recovery())
	gateway.Routes(ingressRouter)
	ingressSrv := &http.Server{Addr: ":8080", Handler: ingressRouter}

	rpcRouter := gin.New()
	rpcRouter.Use(gin.Recovery())
	rpcServer.Routes(rpcRouter)
	rpcSrv := &http.Server{Addr: ":8081", Handler: rpcRouter}

	errCh := make(chan error, 4)
	go func() { errCh <- ingressSrv.ListenAndServe() }()
	go func() { errCh <- rpcSrv.ListenAndServe() }()
	go func() { errCh <- cons.Run(ctx) }()
	go func() { errCh <- sched.Run(ctx) }()
	go runReaper(ctx, q, visibilityTimeout/2)

	log.Info().Msg("funnel core started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ingressSrv.Shutdown(shutdownCtx)
	_ = rpcSrv.Shutdown(shutdownCtx)
	return nil
}

// runReaper polls the queue's visibility-timeout tracking and
// redelivers anything a crashed or stalled consumer left in-flight
// (spec §4.2/§5).
func runReaper(ctx context.Context, q *queue.RedisQueue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.ReclaimExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("queue reaper: reclaim failed")
				continue
			}
			if n > 0 {
				log.Warn().Int("count", n).Msg("queue reaper: redelivered expired in-flight messages")
			}
		}
	}
}
