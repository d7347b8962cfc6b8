package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/analyzer"
	"github.com/runbookd/runbookd/internal/incident"
	"github.com/runbookd/runbookd/internal/model"
	"github.com/runbookd/runbookd/internal/orchestrator"
	"github.com/runbookd/runbookd/internal/resolver"
	"github.com/runbookd/runbookd/internal/scheduler"
	"github.com/runbookd/runbookd/internal/storage"
	"github.com/runbookd/runbookd/internal/transport"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create JetStream context
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Node inventory with sealed credentials
	nodes, err := resolver.NewStore(logger,
		viper.GetString("storage.nodes_path"),
		viper.GetString("storage.master_key"))
	if err != nil {
		logger.Fatal("Failed to create node store", zap.Error(err))
	}
	defer nodes.Close()

	// Execution record persistence
	executions, err := storage.NewSQLiteExecutionStore(logger,
		viper.GetString("storage.executions_path"))
	if err != nil {
		logger.Fatal("Failed to create execution store", zap.Error(err))
	}
	defer executions.Close()

	// Durable incident delivery
	incidents, err := incident.NewPublisher(js, logger)
	if err != nil {
		logger.Fatal("Failed to create incident publisher", zap.Error(err))
	}

	// Output analysis service client
	analysis := analyzer.NewClient(nc, viper.GetDuration("analyzer.timeout"), logger)

	// SSH transport
	dialer := transport.NewSSHDialer(logger, viper.GetDuration("ssh.connect_timeout"))

	orch, err := orchestrator.New(
		orchestrator.Config{
			CommandTimeout: viper.GetDuration("orchestrator.command_timeout"),
			RunDeadline:    viper.GetDuration("orchestrator.run_deadline"),
			EventBuffer:    viper.GetInt("orchestrator.event_buffer"),
			MaxParallel:    viper.GetInt("orchestrator.max_parallel"),
		},
		orchestrator.Dependencies{
			Dialer:    dialer,
			Resolver:  nodes,
			Analyzer:  analysis,
			Records:   executions,
			Incidents: incidents,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Recurring runbook schedules
	runbookScheduler := scheduler.NewRunbookScheduler(
		func(_ context.Context, sched *model.RunbookSchedule) {
			run := orch.ExecuteTriggered(ctx, &sched.Plan, "scheduler")
			go drainRun(logger, run)
		},
		logger,
	)
	runbookScheduler.Start()
	defer runbookScheduler.Stop()

	// Cleanup old execution records daily
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				retention := viper.GetInt("storage.retention_days")
				if retention <= 0 {
					retention = 30
				}
				cutoff := time.Now().AddDate(0, 0, -retention)
				if err := executions.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to cleanup old executions", zap.Error(err))
				}
			}
		}
	}()

	// Load the configured runbook, if any
	var plan model.Plan
	if err := viper.UnmarshalKey("runbook", &plan); err != nil {
		logger.Fatal("Failed to parse runbook config", zap.Error(err))
	}

	if len(plan.Nodes) > 0 || len(plan.Commands) > 0 {
		if expr := viper.GetString("runbook.schedule"); expr != "" {
			if _, err := runbookScheduler.Add(&model.RunbookSchedule{
				RunbookName: plan.RunbookName,
				Expression:  expr,
				Plan:        plan,
			}); err != nil {
				logger.Fatal("Failed to schedule runbook", zap.Error(err))
			}
		} else {
			// One-shot run: stream the timeline as NDJSON on stdout
			run := orch.Execute(ctx, &plan)
			streamRun(logger, run)
		}
	}

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Server shutting down gracefully")
}

// streamRun prints each timeline event as one JSON object per line.
func streamRun(logger *zap.Logger, run *orchestrator.Run) {
	for ev := range run.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Error("Failed to marshal event", zap.Error(err))
			continue
		}
		fmt.Println(string(data))
	}

	record, err := run.Record()
	if err != nil {
		logger.Error("Run rejected", zap.Error(err))
		return
	}
	logger.Info("Run finished",
		zap.String("execution_id", record.ID),
		zap.String("status", string(record.OverallStatus)))
}

// drainRun consumes a scheduled run's events so the consumer loop never
// blocks on an unread stream.
func drainRun(logger *zap.Logger, run *orchestrator.Run) {
	for range run.Events {
	}
	if record, err := run.Record(); err != nil {
		logger.Error("Scheduled run rejected", zap.Error(err))
	} else {
		logger.Info("Scheduled run finished",
			zap.String("execution_id", record.ID),
			zap.String("status", string(record.OverallStatus)))
	}
}
