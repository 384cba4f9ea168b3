// Copyright 2025 Tom Barlow
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


package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/runrelay/internal/config"
	"github.com/tombee/runrelay/internal/controller"
	"github.com/tombee/runrelay/internal/log"
)

// overrides are command line values applied on top of the loaded config.
type overrides struct {
	configPath  string
	addr        string
	store       string
	broker      string
	redisAddr   string
	postgresURL string
	instanceID  string
	executorURL string
}

func (o *overrides) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "Path to config file")
	fs.StringVar(&o.addr, "addr", "", "Listen address (host:port, tcp://host:port or unix:///path)")
	fs.StringVar(&o.store, "store", "", "Run store (memory, sqlite, postgres)")
	fs.StringVar(&o.broker, "broker", "", "Event broker (memory, redis)")
	fs.StringVar(&o.redisAddr, "redis-addr", "", "Redis address for the redis broker")
	fs.StringVar(&o.postgresURL, "postgres-url", "", "PostgreSQL connection URL")
	fs.StringVar(&o.instanceID, "instance-id", "", "Instance ID recorded on claimed runs")
	fs.StringVar(&o.executorURL, "executor-url", "", "Chain execution service URL")
}

// load reads the config file and environment, then applies flags that were
// set. addrField selects which listen address --addr overrides.
func (o *overrides) load(fs *pflag.FlagSet, addrField func(*config.Config) *string) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	if addrField != nil {
		set("addr", addrField(cfg), o.addr)
	}
	set("store", &cfg.Store.Type, o.store)
	set("broker", &cfg.Broker.Type, o.broker)
	set("redis-addr", &cfg.Broker.Redis.Addr, o.redisAddr)
	set("postgres-url", &cfg.Store.Postgres.ConnectionString, o.postgresURL)
	set("instance-id", &cfg.Server.InstanceID, o.instanceID)
	set("executor-url", &cfg.Executor.URL, o.executorURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runrelay",
		Short: "runrelay - chain run registry and event relay",
		Long: `runrelay starts chain runs, relays their events to attached clients
over server-sent events, and notifies workspace rooms over websockets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand(), newNotifierCommand(), newVersionCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API and execute queued runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := func(c *config.Config) *string { return &c.Server.Addr }
			cfg, err := o.load(cmd.Flags(), addr)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, func(ctx context.Context, ctrl *controller.Controller) error {
				return ctrl.Serve(ctx)
			})
		},
	}
	o.register(cmd.Flags())
	return cmd
}

func newNotifierCommand() *cobra.Command {
	var o overrides
	cmd := &cobra.Command{
		Use:   "notifier",
		Short: "Serve the realtime websocket notifier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := func(c *config.Config) *string { return &c.Realtime.Addr }
			cfg, err := o.load(cmd.Flags(), addr)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, func(ctx context.Context, ctrl *controller.Controller) error {
				return ctrl.ServeNotifier(ctx)
			})
		},
	}
	o.register(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config, serve func(context.Context, *controller.Controller) error) error {
	ctrl, err := controller.New(ctx, cfg, controller.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Error("error during close", log.Error(err))
		}
	}()
	return serve(ctx, ctrl)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "runrelay %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
