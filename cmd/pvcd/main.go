// pvcd is the node daemon of the Parallel Virtual Cluster: one
// long-lived process per hypervisor host, plus the operator commands
// that drive it (flush, unflush, migrate, status).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/daemon"
	"github.com/parallelvirtualcluster/pvc/pkg/fence"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/task"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pvcd",
	Short: "PVC - hyperconverged private-cloud node daemon",
	Long: `pvcd runs the Parallel Virtual Cluster coordination core on a
hypervisor host: cluster membership, primary-coordinator election, peer
fencing, VM placement, and network/storage convergence.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"PVC version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/pvc/pvcd.yaml", "Path to the node config document")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(unflushCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(unmigrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(fenceTestCmd)

	daemonCmd.Flags().Bool("bootstrap", false, "Initialize a brand-new cluster with this node as the first coordinator")
	daemonCmd.Flags().String("join", "", "Join an existing cluster via a coordinator's control address")
	daemonCmd.Flags().String("token", "", "Join token")

	migrateCmd.Flags().String("target", "", "Target node (selector-chosen if omitted)")
	migrateCmd.Flags().Bool("force", false, "Preserve previous_node across this migration")
	moveCmd.Flags().String("target", "", "Target node (selector-chosen if omitted)")

	fenceTestCmd.Flags().Bool("yes", false, "Confirm the power reset; without this the command refuses")
}

func loadConfig() (*config.Document, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})
	return cfg, nil
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the node daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		opts := daemon.Options{Mode: daemon.ModeStart}
		if bootstrap, _ := cmd.Flags().GetBool("bootstrap"); bootstrap {
			opts.Mode = daemon.ModeBootstrap
		}
		if join, _ := cmd.Flags().GetString("join"); join != "" {
			opts.Mode = daemon.ModeJoin
			opts.JoinAddr = join
			opts.Token, _ = cmd.Flags().GetString("token")
		}

		d, err := daemon.New(cfg, opts)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return d.Run(ctx)
	},
}

// client dials the coordinator control plane for operator commands.
func client() (kv.Client, *config.Document, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return kv.NewRemote(cfg.Cluster.Coordinators), cfg, nil
}

func submit(op string, params map[string]string) error {
	c, _, err := client()
	if err != nil {
		return err
	}
	id := uuid.New().String()
	if err := task.Submit(c, id, op, params); err != nil {
		return err
	}
	fmt.Printf("Task %s submitted (%s)\n", id, op)
	return nil
}

var flushCmd = &cobra.Command{
	Use:   "flush NODE",
	Short: "Drain all VMs off a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit("node.flush", map[string]string{"node": args[0]})
	},
}

var unflushCmd = &cobra.Command{
	Use:   "unflush NODE",
	Short: "Return a flushed node to the ready pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit("node.unflush", map[string]string{"node": args[0]})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate VM-UUID",
	Short: "Live-migrate a VM (trackable; unmigrate returns it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		force, _ := cmd.Flags().GetBool("force")
		params := map[string]string{"vm": args[0]}
		if target != "" {
			params["node"] = target
		}
		if force {
			params["force"] = "true"
		}
		return submit("vm.migrate", params)
	},
}

var moveCmd = &cobra.Command{
	Use:   "move VM-UUID",
	Short: "Move a VM permanently (no previous-node tracking)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		params := map[string]string{"vm": args[0]}
		if target != "" {
			params["node"] = target
		}
		return submit("vm.move", params)
	},
}

var unmigrateCmd = &cobra.Command{
	Use:   "unmigrate VM-UUID",
	Short: "Return a migrated VM to its previous node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit("vm.unmigrate", map[string]string{"vm": args[0]})
	},
}

var fenceTestCmd = &cobra.Command{
	Use:   "fence-test NODE",
	Short: "Verify the fencing path by power-resetting a node's management controller",
	Long: `fence-test drives the same IPMI driver the primary's fence controller
uses, against the named node, and reports whether the reset was
confirmed. The target is power-cycled for real: pass --yes to proceed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("fence-test power-cycles %s; re-run with --yes to confirm", args[0])
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		driver := fence.NewIPMIDriver(cfg.Fencing.IPMI)
		if err := driver.Fence(args[0]); err != nil {
			return fmt.Errorf("fence of %s not confirmed: %w", args[0], err)
		}
		fmt.Printf("Fence of %s confirmed: management controller reports a clean power reset\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := client()
		if err != nil {
			return err
		}
		recs, err := c.List("nodes")
		if err != nil {
			return err
		}

		var nodes []types.Node
		for _, rec := range recs {
			var n types.Node
			if err := json.Unmarshal(rec.Value, &n); err != nil {
				continue
			}
			nodes = append(nodes, n)
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

		fmt.Printf("%-16s %-12s %-8s %-11s %-10s %6s %8s %s\n",
			"NODE", "ROLE", "DAEMON", "COORDINATOR", "DOMAINS", "VMS", "LOAD", "HEALTH")
		for _, n := range nodes {
			fmt.Printf("%-16s %-12s %-8s %-11s %-10s %6d %8.2f %d%%\n",
				n.Name, n.Role, n.DaemonState, n.CoordinatorState, n.DomainState,
				n.VMCount, n.Load, n.Healthy())
		}
		return nil
	},
}
