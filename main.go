// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/networkoptix/nx-system-tests-sub010/api"
	"github.com/networkoptix/nx-system-tests-sub010/registry"
	"github.com/networkoptix/nx-system-tests-sub010/supervisor"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

const (
	workerModeProcess   = "process"
	workerModeInProcess = "inprocess"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

func newLogger(logLevel string) (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

func newMetricsRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// addHTTPServer serves /health and /metrics of r on listen.
func addHTTPServer(g *run.Group, listen string, r *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", listen, err)
	}

	g.Add(func() error {
		if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server exited unexpectedly: %v", err)
		}
		return nil
	}, func(error) {
		_ = l.Close()
	})
	return nil
}

// addSignalHandler exits gracefully on SIGINT and SIGTERM.
func addSignalHandler(g *run.Group, logger log.Logger) {
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
	cancel := make(chan struct{})
	g.Add(func() error {
		for {
			select {
			case <-term:
				_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
				return nil
			case <-cancel:
				return nil
			}
		}
	}, func(error) {
		close(cancel)
	})
}

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if len(os.Args) > 1 {
		switch cmd, args := os.Args[1], os.Args[2:]; cmd {
		case "worker":
			return runWorker(args)
		case "list", "add", "delete":
			return runClient(cmd, args)
		}
	}
	return runSupervisor()
}

func runSupervisor() error {
	if err := initConfig(); err != nil {
		return err
	}

	adapters, err := getConfiguredAdapters(viper.GetViper())
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("at least one adapter must be specified")
	}
	maxDiskSize, err := parseSize(viper.GetString("max-disk-size"))
	if err != nil {
		return err
	}

	logger, err := newLogger(viper.GetString("log-level"))
	if err != nil {
		return err
	}

	r := newMetricsRegistry()
	var launcher supervisor.Launcher
	switch mode := viper.GetString("worker-mode"); mode {
	case workerModeProcess:
		executable, err := os.Executable()
		if err != nil {
			return errors.Wrap(err, "failed to locate own executable")
		}
		args := []string{"--log-level", viper.GetString("log-level")}
		if dir := viper.GetString("storage-dir"); dir != "" {
			args = append(args, "--storage-dir", dir)
		}
		launcher = &supervisor.ProcessLauncher{Executable: executable, Args: args, Logger: logger}
	case workerModeInProcess:
		launcher = &supervisor.InProcessLauncher{Backends: backends(viper.GetString("storage-dir")), Logger: logger, Registerer: r}
	default:
		return fmt.Errorf("worker mode %q unknown; possible values are: %s, %s", mode, workerModeProcess, workerModeInProcess)
	}

	healthServer := health.NewServer()
	sv, err := supervisor.New(adapters, launcher, supervisor.Options{
		QueueSize:     viper.GetInt("queue-size"),
		MaxDiskSizeMB: int(maxDiskSize.MBytes()),
		StopTimeout:   viper.GetDuration("stop-timeout"),
		Health:        healthServer,
	}, logger, r)
	if err != nil {
		return err
	}

	var g run.Group
	if err := addHTTPServer(&g, viper.GetString("listen"), r); err != nil {
		return err
	}
	addSignalHandler(&g, logger)

	if listen := viper.GetString("grpc-health-listen"); listen != "" {
		// Publish worker liveness over the standard gRPC health protocol.
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", listen)
		}
		s := grpc.NewServer()
		healthpb.RegisterHealthServer(s, healthServer)
		g.Add(func() error {
			return s.Serve(l)
		}, func(error) {
			healthServer.Shutdown()
			s.Stop()
		})
	}

	{
		// Run the control plane.
		listen := viper.GetString("api-listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", listen)
		}
		ctx, cancel := context.WithCancel(context.Background())
		server := api.NewServer(sv, log.With(logger, "component", "api"), r)
		g.Add(func() error {
			_ = logger.Log("msg", "control plane listening", "address", l.Addr())
			return server.Serve(ctx, l)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			_ = logger.Log("msg", fmt.Sprintf("Starting workers for %s.", strings.Join(sv.Adapters(), ", ")))
			return sv.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

func backends(storageDir string) registry.BackendFactory {
	if storageDir == "" {
		return registry.MemoryBackends()
	}
	return registry.FileBackends(storageDir)
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
