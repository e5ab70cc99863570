// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	baseerrors "errors"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/oklog/run"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/networkoptix/nx-system-tests-sub010/queue"
	"github.com/networkoptix/nx-system-tests-sub010/supervisor"
	"github.com/networkoptix/nx-system-tests-sub010/worker"
)

// runWorker runs one adapter taking disk requests from stdin.
func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.String("name", "", "The name of the adapter.")
	fs.String("address", "0.0.0.0", "The address at which to listen for USB/IP clients.")
	fs.Int("port", worker.DefaultPort, "The port at which to listen for USB/IP clients.")
	fs.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	fs.String("storage-dir", "", "The directory holding disk images. Disks are kept in memory if empty.")
	fs.Int("queue-size", supervisor.DefaultQueueSize, "The number of disk requests read ahead from stdin.")
	fs.String("metrics-listen", "", "The address at which to listen for health and metrics. Disabled if empty.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	name := v.GetString("name")
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return fmt.Errorf("failed to parse adapter name %q: %s", name, errs)
	}
	logger, err := newLogger(v.GetString("log-level"))
	if err != nil {
		return err
	}
	logger = log.With(logger, "adapter", name, "pid", os.Getpid())

	l, err := worker.Listen(v.GetString("address"), v.GetInt("port"))
	if err != nil {
		return err
	}
	r := newMetricsRegistry()
	w := worker.New(name, queue.NewBounded(v.GetInt("queue-size")), backends(v.GetString("storage-dir")), logger, r)

	var g run.Group
	if listen := v.GetString("metrics-listen"); listen != "" {
		if err := addHTTPServer(&g, listen, r); err != nil {
			return err
		}
	}
	addSignalHandler(&g, logger)
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			_ = logger.Log("msg", "serving USB/IP", "address", l.Addr())
			err := w.RunFed(ctx, l, os.Stdin)
			if baseerrors.Is(err, worker.ErrControlClosed) {
				// The supervisor is gone.
				_ = logger.Log("msg", "control stream closed; exiting")
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}
	return g.Run()
}
