/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/carverauto/fleetwatch/pkg/config"
	"github.com/carverauto/fleetwatch/pkg/daemon"
	"github.com/carverauto/fleetwatch/pkg/lifecycle"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/scheduler"
	"github.com/carverauto/fleetwatch/pkg/version"
)

var errFailedToLoadConfig = errors.New("failed to load config")

func main() {
	if err := run(); err != nil {
		log.Printf("Fatal error: %v", err)

		if errors.Is(err, scheduler.ErrStoreUnavailable) {
			os.Exit(2)
		}

		os.Exit(1)
	}
}

func run() error {
	configPath := flag.StringP("config", "c", "/etc/fleetwatch/fleetwatch.yaml", "Path to fleetwatch config file (.json or .yaml)")
	listenAddr := flag.String("listen", "", "Override the HTTP listen address for /metrics, /healthz and the query API")
	debug := flag.Bool("debug", false, "Enable debug logging")
	checkOnly := flag.Bool("check", false, "Validate the configuration and exit")
	showVersion := flag.BoolP("version", "v", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return nil
	}

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	snap, err := config.NewSnapshot[daemon.Config](ctx, cfgLoader, *configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	cfg := snap.Load()

	if *checkOnly {
		fmt.Printf("%s: %d machines, %d collectors\n", *configPath, len(cfg.Machines), len(cfg.Collectors))
		return nil
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	fleetLogger, err := lifecycle.CreateComponentLogger(ctx, "fleetwatch", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if *debug {
		fleetLogger.SetDebug(true)
	}

	defer func() {
		_ = lifecycle.ShutdownLogger()
	}()

	fleetLogger.Info().Str("version", version.Get().String()).Str("config", *configPath).Msg("Starting fleetwatch")

	d, err := daemon.New(ctx, snap, fleetLogger)
	if err != nil {
		return err
	}

	addr := cfg.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ListenAddr:  addr,
		ServiceName: cfg.ServiceName,
		Service:     d,
		Logger:      fleetLogger,
		Healthy:     d.Healthy,
		Routes:      d.Routes(),
	})
}
