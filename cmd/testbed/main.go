package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/uber-go/tally/v4"

	"github.com/cochaviz/testbed/internal/allocation"
	"github.com/cochaviz/testbed/internal/config"
	"github.com/cochaviz/testbed/internal/experiment"
	"github.com/cochaviz/testbed/internal/logging"
	"github.com/cochaviz/testbed/internal/profiles"
	"github.com/cochaviz/testbed/internal/setup"
)

const defaultLogLevel = "info"

// errContainersFailed is returned when the run completed but some containers
// did not succeed.
var errContainersFailed = errors.New("containers failed")

type globalFlags struct {
	logLevel  string
	logFormat string
	mode      logging.Mode
}

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	handler := &switchHandler{}
	handler.set(logging.NewHandler(logging.ModeCLI, os.Stderr, &levelVar))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, handler, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, handler *switchHandler, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger)

	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "testbed",
		Short:         "Emulate heterogeneous edge devices and run distributed applications on them",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "Log record format (text, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(flags.logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(flags.logFormat)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		flags.mode = mode
		if mode != logging.ModeCLI {
			handler.set(logging.NewHandler(mode, os.Stderr, levelVar))
		}
		return nil
	}

	root.AddCommand(
		newRunCommand(logger, flags, levelVar),
		newPlanCommand(logger),
		newProfilesCommand(),
		newCleanupCommand(logger),
		newSetupCommand(logger),
	)
	return root
}

type experimentFlags struct {
	seed    int64
	cpus    string
	backend string
}

func (f *experimentFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.seed, "seed", -1, "Seed for profile variance; overrides network.seed (negative keeps the config value)")
	cmd.Flags().StringVar(&f.cpus, "cpus", "", "Host cores available to the run, e.g. 0-7 (default: the process affinity)")
	cmd.Flags().StringVar(&f.backend, "backend", "", "Override network.backend (docker, libvirt, memory)")
}

func (f *experimentFlags) load(paths []string) (*config.File, experiment.Options, error) {
	var opts experiment.Options
	file, err := config.Load(paths...)
	if err != nil {
		return nil, opts, err
	}
	if f.backend != "" {
		file.Network.Backend = f.backend
		if err := file.Validate(); err != nil {
			return nil, opts, err
		}
	}
	if f.seed >= 0 {
		seed := uint64(f.seed)
		opts.Seed = &seed
	}
	if f.cpus != "" {
		cpus, err := allocation.ParseCPUSet(f.cpus)
		if err != nil {
			return nil, opts, fmt.Errorf("--cpus: %w", err)
		}
		opts.CPUs = cpus
	}
	return file, opts, nil
}

func newRunCommand(logger *slog.Logger, global *globalFlags, levelVar *slog.LevelVar) *cobra.Command {
	var (
		exp       experimentFlags
		outputDir string
		keep      bool
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "run <experiment.yaml> [override.yaml...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "Provision the emulated devices, run the application and collect its output",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "run", "config", args[0])

			file, opts, err := exp.load(args)
			if err != nil {
				return err
			}
			if dryRun {
				file.Network.Backend = config.BackendMemory
			}
			opts.OutputBase = outputDir
			opts.Keep = keep
			opts.LogMode = global.mode
			opts.LogLevel = levelVar
			opts.Logger = logger

			scope, closer := tally.NewRootScope(tally.ScopeOptions{
				Prefix:   "testbed",
				Reporter: newLogReporter(cmdLogger),
			}, 0)
			defer closer.Close()
			opts.Metrics = scope

			if file.Network.Backend != config.BackendMemory {
				if _, err := setup.Verify(cmd.Context(), file.Network.Backend); err != nil {
					cmdLogger.Warn("host prerequisites incomplete", "error", err, "hint", "run 'testbed setup verify'")
				}
			}

			cmdLogger.Info("starting experiment", "backend", file.Network.Backend, "containers", file.Network.Containers)
			outcome, err := experiment.Run(cmd.Context(), file, opts)
			if outcome != nil {
				fmt.Fprintln(cmd.OutOrStdout(), outcome.Dir)
			}
			if err != nil {
				return err
			}
			if failed := outcome.Failed(); len(failed) > 0 {
				return fmt.Errorf("%w: %v", errContainersFailed, failed)
			}
			return nil
		},
	}

	exp.register(cmd)
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory holding run directories (default: application.output_dir or ./output)")
	cmd.Flags().BoolVar(&keep, "keep", false, "Leave the containers running after the application finished")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run against the in-memory backend; commands are recorded, not executed")

	return cmd
}

func newPlanCommand(logger *slog.Logger) *cobra.Command {
	var (
		exp      experimentFlags
		asJSON   bool
		topology bool
	)

	cmd := &cobra.Command{
		Use:   "plan <experiment.yaml> [override.yaml...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "Resolve profiles, allocate CPUs and show the execution plan without creating anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, opts, err := exp.load(args)
			if err != nil {
				return err
			}
			opts.Logger = logger

			prep, err := experiment.Prepare(file, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				var v any = prep.Plan
				if topology {
					v = prep.Topology
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			}

			fmt.Fprintf(out, "experiment %q, run %s, seed %d, host cores %s\n",
				prep.Info.Name, prep.Info.RunID, prep.Info.Seed, prep.Info.HostCPUs)
			printAllocationSummary(out, prep.Topology.Allocation)
			printTableOfContainers(out, prep)
			printTableOfRoles(out, prep)
			if len(prep.Plan.Orphans) > 0 {
				fmt.Fprintf(out, "idle containers: %v\n", prep.Plan.Orphans)
			}
			return nil
		},
	}

	exp.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the execution plan as JSON")
	cmd.Flags().BoolVar(&topology, "topology", false, "With --json, print the network topology instead of the plan")

	return cmd
}

func newProfilesCommand() *cobra.Command {
	var devicesPath, networksPath string

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the device and network profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := profiles.LoadTableFiles(devicesPath, networksPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printTableOfDevices(out, table); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return printTableOfNetworks(out, table)
		},
	}

	cmd.Flags().StringVar(&devicesPath, "devices", "", "Device profile table replacing the built-in one")
	cmd.Flags().StringVar(&networksPath, "networks", "", "Network profile table replacing the built-in one")

	return cmd
}

func newCleanupCommand(logger *slog.Logger) *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "cleanup [experiment.yaml]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Remove every container, network and VM left behind by testbed runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			file := &config.File{Network: config.Network{Backend: backend}}
			if len(args) == 1 {
				loaded, err := config.Load(args[0])
				if err != nil {
					return err
				}
				file = loaded
				if cmd.Flags().Changed("backend") {
					file.Network.Backend = backend
				}
			}
			cmdLogger := logger.With("command", "cleanup", "backend", file.Network.Backend)
			cmdLogger.Info("removing testbed resources")
			return experiment.Cleanup(cmd.Context(), file, nil, logger)
		},
	}

	cmd.Flags().StringVar(&backend, "backend", config.BackendDocker, "Backend to clean up (docker, libvirt)")

	return cmd
}

func newSetupCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare and inspect the host",
	}

	cmd.AddCommand(
		newSetupVerifyCommand(),
		newSetupNetworkCommand(logger),
		newSetupTeardownCommand(logger),
	)
	return cmd
}

func newSetupVerifyCommand() *cobra.Command {
	var backend string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the host prerequisites of a backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			checks, err := setup.Verify(cmd.Context(), backend)
			printTableOfChecks(cmd.OutOrStdout(), checks)
			return err
		},
	}

	cmd.Flags().StringVar(&backend, "backend", config.BackendDocker, "Backend to verify (docker, libvirt)")

	return cmd
}

func newSetupNetworkCommand(logger *slog.Logger) *cobra.Command {
	var (
		clearConfig bool
		bridge      string
		gateway     string
		noNAT       bool
	)

	cmd := &cobra.Command{
		Use:   "network",
		Short: "Create the bridge the libvirt guests attach to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "setup.network")

			if clearConfig {
				cmdLogger.Info("clearing existing configuration")
				if err := setup.ClearConfig(); err != nil {
					return fmt.Errorf("clear configuration: %w", err)
				}
			}

			cfg, err := setup.LoadBridgeConfig()
			if err != nil {
				return err
			}
			changed := false
			if cmd.Flags().Changed("bridge") {
				cfg.Bridge, changed = strings.TrimSpace(bridge), true
			}
			if cmd.Flags().Changed("gateway") {
				cfg.GatewayCIDR, changed = strings.TrimSpace(gateway), true
			}
			if cmd.Flags().Changed("no-nat") {
				cfg.NAT, changed = !noNAT, true
			}
			if changed {
				if err := setup.WriteBridgeConfig(cfg); err != nil {
					return err
				}
			}

			if err := setup.SetupNetwork(cmd.Context(), cfg); err != nil {
				cmdLogger.Error("network initialization failed", "error", err)
				return fmt.Errorf("initialize networking: %w", err)
			}
			cmdLogger.Info("network initialization completed", "bridge", cfg.Bridge, "gateway", cfg.GatewayCIDR, "nat", cfg.NAT)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove the persisted bridge configuration first")
	cmd.Flags().StringVar(&bridge, "bridge", setup.DefaultBridgeConfig.Bridge, "Bridge name")
	cmd.Flags().StringVar(&gateway, "gateway", setup.DefaultBridgeConfig.GatewayCIDR, "Gateway address of the bridge in CIDR notation")
	cmd.Flags().BoolVar(&noNAT, "no-nat", false, "Do not masquerade guest traffic")

	return cmd
}

func newSetupTeardownCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Remove the bridge and NAT rules created by setup network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup.LoadBridgeConfig()
			if err != nil {
				return err
			}
			if err := setup.TeardownNetwork(cmd.Context(), cfg); err != nil {
				return err
			}
			logger.Info("host network removed", "bridge", cfg.Bridge)
			return nil
		},
	}
}
