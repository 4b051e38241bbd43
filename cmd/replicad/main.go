// Command replicad is the replication coordinator client daemon:
// cobra subcommands wiring internal/config's JSON file into
// internal/table.Replica, grounded on the teacher's flag-plus-etc
// config pattern (internal/master/main/main.go) and on
// alpacahq-marketstore's cmd/ subcommand layout (one cobra.Command per
// verb, registered on a root command in Execute).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/repltable/chreplica/internal/config"
	"github.com/repltable/chreplica/internal/localstore"
	"github.com/repltable/chreplica/internal/mergeplan"
	"github.com/repltable/chreplica/internal/part"
	"github.com/repltable/chreplica/internal/table"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "replicad",
		Short: "replication coordinator client daemon",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the replica's JSON config file")

	root.AddCommand(startCmd(), bootstrapCmd(), dropCmd())

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func requireConfigPath() error {
	if configPath == "" {
		return fmt.Errorf("replicad: -c/--config is required")
	}
	return nil
}

// buildReplica wires a config.Conf into a table.Replica the way every
// subcommand needs it: a localstore.Store for the part engine, a
// mergeplan.Adjacent for the merge planner, both minimal concrete
// fillers for engines spec.md §1 places out of scope (see
// internal/localstore, internal/mergeplan doc comments).
func buildReplica(conf config.Conf, dataDir string) (*table.Replica, error) {
	store, err := localstore.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("replicad: open local store: %w", err)
	}
	planner := mergeplan.Adjacent{
		SizeBytes: func(r part.Range) int64 {
			n, err := store.SizeBytes(context.Background(), part.Format(r))
			if err != nil {
				return 0
			}
			return n
		},
	}

	return table.New(
		conf.Table, conf.Replica, conf.Host, conf.Port,
		conf.Coordinator.Servers, time.Duration(conf.Coordinator.SessionTimeoutMs)*time.Millisecond,
		conf.LogLevel, conf.Policy.SupervisorPolicy(),
		store, store, planner, dataDir+"/.cache", conf.Schema,
	)
}

func startCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start this replica and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfigPath(); err != nil {
				return err
			}
			conf, err := config.Load(configPath)
			if err != nil {
				return err
			}
			r, err := buildReplica(conf, dataDir)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := r.Startup(ctx); err != nil {
				return fmt.Errorf("replicad: startup: %w", err)
			}
			logrus.WithFields(logrus.Fields{"table": conf.Table, "replica": conf.Replica}).Info("replicad: started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logrus.Info("replicad: shutting down")
			return r.Shutdown()
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "directory for locally stored parts")
	return cmd
}

func bootstrapCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "join the table as a new replica, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfigPath(); err != nil {
				return err
			}
			conf, err := config.Load(configPath)
			if err != nil {
				return err
			}
			r, err := buildReplica(conf, dataDir)
			if err != nil {
				return err
			}

			ctx := context.Background()
			if err := r.Startup(ctx); err != nil {
				return fmt.Errorf("replicad: bootstrap: %w", err)
			}
			return r.Shutdown()
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "directory for locally stored parts")
	return cmd
}

func dropCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "remove this replica from the table and rename its local parts aside",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfigPath(); err != nil {
				return err
			}
			conf, err := config.Load(configPath)
			if err != nil {
				return err
			}
			r, err := buildReplica(conf, dataDir)
			if err != nil {
				return err
			}
			return r.Drop(context.Background())
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "directory for locally stored parts")
	return cmd
}
