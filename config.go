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
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/networkoptix/nx-system-tests-sub010/supervisor"
	"github.com/networkoptix/nx-system-tests-sub010/worker"
)

const configDir = "/etc/usbip-mass-storage/"

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("api-listen", ":3200", "The address at which to listen for control plane requests.")
	flag.String("grpc-health-listen", "", "The address at which to serve gRPC health checks of the adapters. Disabled if empty.")
	flag.Int("usbip-port", worker.DefaultPort, "The USB/IP port of adapters that do not set one.")
	flag.String("worker-mode", workerModeProcess, fmt.Sprintf("How to run adapter workers. Possible values: %s, %s", workerModeProcess, workerModeInProcess))
	flag.Int("queue-size", supervisor.DefaultQueueSize, "The number of disk requests an adapter can hold before rejecting more. A process worker additionally holds the request it is reading.")
	flag.String("storage-dir", "", "The directory holding disk images. Disks are kept in memory if empty.")
	flag.String("max-disk-size", "4GB", "The largest disk that can be added.")
	flag.Duration("stop-timeout", supervisor.DefaultStopTimeout, "How long a worker may take to stop before it is killed.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir)
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

func parseSize(raw string) (datasize.ByteSize, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("failed to parse size %q: %w", raw, err)
	}
	return size, nil
}

func getConfiguredAdapters(v *viper.Viper) ([]supervisor.AdapterSpec, error) {
	var raw []interface{}
	switch defs := v.Get("adapters").(type) {
	case nil:
		return nil, nil
	case []interface{}:
		raw = defs
	default:
		return nil, fmt.Errorf("failed to decode adapters: unexpected type: %T", defs)
	}

	path := field.NewPath("adapters")
	specs := make([]supervisor.AdapterSpec, len(raw))
	for i, def := range raw {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &specs[i],
			TagName:          "json",
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode adapter data %q: %w", def, err)
		}

		spec := &specs[i]
		if spec.Port == 0 {
			spec.Port = v.GetInt("usbip-port")
		}
		if errs := validation.IsDNS1123Label(spec.Name); len(errs) > 0 {
			return nil, fmt.Errorf("failed to parse adapter name %q: %s", spec.Name, strings.Join(errs, ", "))
		}
		if errs := validation.IsValidIP(path.Index(i).Child("address"), spec.Address); len(errs) > 0 {
			return nil, fmt.Errorf("invalid address of adapter %s: %v", spec.Name, errs.ToAggregate())
		}
		if errs := validation.IsValidPortNum(spec.Port); len(errs) > 0 {
			return nil, fmt.Errorf("invalid port of adapter %s: %s", spec.Name, strings.Join(errs, ", "))
		}
	}
	return specs, nil
}
