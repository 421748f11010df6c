// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fleetagent/internal/client"
	"fleetagent/internal/config"
	"fleetagent/internal/journal"
	"fleetagent/internal/logging"
	"fleetagent/internal/metrics"
	"fleetagent/internal/pipeline"
	"fleetagent/internal/sandbox"
	"fleetagent/internal/scheduler"
	"fleetagent/pkg/agent"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetagent: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logConfig(logger, cfg)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		logger.Error("failed to create work directory", "workDir", cfg.WorkDir, "err", err)
		os.Exit(1)
	}
	if dir := filepath.Dir(cfg.JournalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create journal directory", "path", cfg.JournalPath, "err", err)
			os.Exit(1)
		}
	}

	jr, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Error("failed to open journal", "err", err)
		os.Exit(1)
	}
	defer jr.Close()

	cl, err := client.NewHTTPClient(client.Config{
		BaseURL:     cfg.ControlPlaneURL,
		WorkerToken: cfg.WorkerToken,
		InsecureTLS: cfg.InsecureTLS,
		MaxAttempts: cfg.MaxClientAttempts,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to construct control plane client", "err", err)
		os.Exit(1)
	}

	sched := scheduler.New(cl, scheduler.Config{
		WorkerID:           cfg.WorkerID,
		Tags:               cfg.Tags,
		Mode:               scheduler.Mode(cfg.Mode),
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		LongPollMs:         cfg.LongPollMs,
		ClaimInterval:      cfg.ClaimInterval(),
		IdleGrace:          cfg.IdleGrace(),
		MaxLifetime:        cfg.MaxLifetime(),
		MaxTasksPerWorker:  cfg.MaxTasksPerWorker,
		HeartbeatInterval:  cfg.HeartbeatInterval(),
		PipelineConfig: pipeline.Config{
			FlushEvery:             time.Duration(cfg.Pipeline.FlushEveryMs) * time.Millisecond,
			FlushMaxBuffer:         cfg.Pipeline.FlushMaxBuffer,
			MaxBuffer:              cfg.Pipeline.MaxBuffer,
			MaxConsecutiveFailures: cfg.Pipeline.MaxConsecutiveFailures,
			BackpressureWait:       time.Duration(cfg.Pipeline.BackpressureWaitMs) * time.Millisecond,
		},
		SandboxConfig: sandbox.Config{
			WorkDir:                cfg.WorkDir,
			RunnerPath:             cfg.RunnerPath,
			DownloadTimeout:        cfg.DownloadTimeout(),
			DefaultTimeout:         cfg.TaskTimeout(),
			MaxMemoryBytes:         cfg.TaskMemoryLimitBytes,
			SecretsEnvOverridePath: os.Getenv(cfg.SecretsEnvOverrideVar),
			WorkerSecretsDefault:   cfg.SecretsPath,
			SecretsPassphrase:      cfg.SecretsPassphrase,
			MaskEnvPrefixes:        cfg.MaskEnvPrefixes,
			AllowNet:               cfg.AllowNet,
			FailFast:               cfg.FailFast,
			Logger:                 logger,
			DefaultNetworkPolicy:   networkPolicyFromConfig(cfg.NetworkPolicy),
		},
		Logger:  logger,
		Journal: jr,
	})

	ctx, cancel := context.WithCancel(context.Background())

	var httpSrv *http.Server
	if cfg.MetricsAddr != "" {
		httpSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           statusMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("status http server listening", "addr", cfg.MetricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status http server error", "err", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, draining in-flight tasks", "signal", sig.String())
		cancel()
	case <-done:
		logger.Info("scheduler exited its own lifecycle condition")
	}

	<-done

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status http server shutdown failed", "err", err)
		}
	}

	logger.Info("fleetagent exiting")
}

func networkPolicyFromConfig(np config.NetworkPolicy) *agent.NetworkPolicy {
	if np.Mode == "" {
		return nil
	}
	return &agent.NetworkPolicy{
		Mode:                  agent.NetworkPolicyMode(np.Mode),
		MaxRequests:           np.MaxRequests,
		MaxConcurrentRequests: np.MaxConcurrentRequests,
		RequestTimeoutMs:      np.RequestTimeoutMs,
		MaxResponseBytes:      np.MaxResponseBytes,
		AllowedPorts:          np.AllowedPorts,
	}
}

func statusMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// logConfig emits the resolved configuration at startup with every
// secret-bearing field redacted, so an operator can confirm what a
// worker booted with from its logs alone.
func logConfig(logger *slog.Logger, cfg config.Config) {
	logger.Info("fleetagent configuration",
		"controlPlaneUrl", cfg.ControlPlaneURL,
		"workerId", cfg.WorkerID,
		"tags", cfg.Tags,
		"mode", cfg.Mode,
		"maxConcurrentTasks", cfg.MaxConcurrentTasks,
		"longPollMs", cfg.LongPollMs,
		"claimIntervalMs", cfg.ClaimIntervalMs,
		"heartbeatIntervalMs", cfg.HeartbeatIntervalMs,
		"taskTimeoutMs", cfg.TaskTimeoutMs,
		"taskMemoryLimitBytes", cfg.TaskMemoryLimitBytes,
		"idleGraceMs", cfg.IdleGraceMs,
		"maxLifetimeMs", cfg.MaxLifetimeMs,
		"maxTasksPerWorker", cfg.MaxTasksPerWorker,
		"workDir", cfg.WorkDir,
		"runnerPath", cfg.RunnerPath,
		"downloadTimeoutMs", cfg.DownloadTimeoutMs,
		"failFast", cfg.FailFast,
		"secretsPath", cfg.SecretsPath,
		"workerToken", "[REDACTED]",
		"secretsPassphrase", "[REDACTED]",
		"insecureTls", cfg.InsecureTLS,
		"maxClientAttempts", cfg.MaxClientAttempts,
		"metricsAddr", cfg.MetricsAddr,
		"logLevel", cfg.LogLevel,
		"journalPath", cfg.JournalPath,
		"networkPolicyMode", cfg.NetworkPolicy.Mode,
	)
}
