// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/efficientgo/core/errors"
	flag "github.com/spf13/pflag"

	"github.com/networkoptix/nx-system-tests-sub010/api"
	"github.com/networkoptix/nx-system-tests-sub010/usbip"
	"github.com/networkoptix/nx-system-tests-sub010/worker"
)

const clientUsage = `usage:
  %[1]s add <adapter> <size MB> [--api-address host:port]
  %[1]s delete <adapter> [--api-address host:port]
  %[1]s list <host> [--port port]
`

// runClient runs the management commands against a running supervisor or
// a USB/IP adapter.
func runClient(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	apiAddress := fs.String("api-address", "127.0.0.1:3200", "The address of the control plane.")
	port := fs.Int("port", worker.DefaultPort, "The USB/IP port of the adapter.")
	timeout := fs.Duration("timeout", 10*time.Second, "How long to wait for a reply.")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, clientUsage, os.Args[0])
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &api.Client{Address: *apiAddress}

	switch cmd {
	case "add":
		if fs.NArg() != 2 {
			fs.Usage()
			return errors.New("add needs an adapter name and a size")
		}
		size, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			return errors.Wrapf(err, "failed to parse size %q", fs.Arg(1))
		}
		return client.Add(ctx, fs.Arg(0), size)
	case "delete":
		if fs.NArg() != 1 {
			fs.Usage()
			return errors.New("delete needs an adapter name")
		}
		return client.Delete(ctx, fs.Arg(0))
	case "list":
		if fs.NArg() != 1 {
			fs.Usage()
			return errors.New("list needs a host")
		}
		conn, err := usbip.Target{Host: fs.Arg(0), Port: *port}.Dial()
		if err != nil {
			return err
		}
		defer conn.Close()
		devices, err := conn.ListRequest()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}
	return errors.Newf("unknown command %s", cmd)
}
