package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/chunk-fabric/pkg/config"
	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/tracker"
)

var (
	trackerConfigPath  string
	trackerAddr        string
	trackerSnapshot    string
	trackerFactor      int
	trackerTimeout     time.Duration
	trackerNoAdvertise bool
	trackerInteractive bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Start the tracker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadTrackerConfig(cmd)
		if err != nil {
			return err
		}
		if err := initLogging(cmd, cfg.Log); err != nil {
			return err
		}

		t := tracker.New(cfg, nil)
		if err := t.Start(); err != nil {
			return fmt.Errorf("start tracker: %w", err)
		}
		fmt.Printf("Tracker listening on %s (factor %d, timeout %s)\n", t.Server.Addr(), cfg.ReplicationFactor, cfg.Timeout.D())

		if trackerInteractive {
			fmt.Println("Chunk Fabric Tracker Interactive Shell")
			fmt.Println("Type 'help' for commands.")
			prompt.New(
				func(in string) { trackerExecutor(in, t) },
				trackerCompleter,
				prompt.OptionPrefix("tracker> "),
				prompt.OptionTitle("Chunk Fabric Tracker"),
			).Run()
			return t.Stop()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		logger.Sugar.Info("[Tracker] shutdown signal received")
		return t.Stop()
	},
}

func loadTrackerConfig(cmd *cobra.Command) (*config.TrackerConfig, error) {
	cfg := config.DefaultTrackerConfig()
	if trackerConfigPath != "" {
		loaded, err := config.LoadTrackerConfig(trackerConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Listen = trackerAddr
	}
	if flags.Changed("snapshot") {
		cfg.SnapshotPath = trackerSnapshot
	}
	if flags.Changed("factor") {
		cfg.ReplicationFactor = trackerFactor
	}
	if flags.Changed("timeout") {
		cfg.Timeout = config.Duration(trackerTimeout)
	}
	if trackerNoAdvertise {
		cfg.Advertise = false
	}
	return cfg, cfg.Validate()
}

func trackerExecutor(in string, t *tracker.Tracker) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping tracker...")
		if err := t.Stop(); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
		os.Exit(0)
	case "status":
		fmt.Println(t.GetStatus())
	case "list":
		if len(blocks) > 1 && blocks[1] == "peers" {
			peers := t.GetPeersList()
			if len(peers) == 0 {
				fmt.Println("No peers registered.")
				return
			}
			fmt.Println("Registered Peers:")
			for _, p := range peers {
				fmt.Println("- " + p)
			}
		} else {
			fmt.Println("Usage: list peers")
		}
	case "lookup":
		if len(blocks) < 2 {
			fmt.Println("Usage: lookup <filename>")
			return
		}
		resp, ok := t.State.Lookup(blocks[1])
		if !ok {
			fmt.Println("File not found.")
			return
		}
		for i, hash := range resp.Order {
			ids := make([]string, 0, len(resp.Chunks[hash]))
			for _, h := range resp.Chunks[hash] {
				ids = append(ids, fmt.Sprintf("%s(%s)", h.PeerID, h.Status))
			}
			fmt.Printf("%4d %.12s  %s\n", i, hash, strings.Join(ids, " "))
		}
	case "replicate":
		report := t.Engine.Tick(context.Background())
		fmt.Printf("Chunks: %d  satisfied: %d  suppressed: %d  dispatched: %d  failed: %d  unrepairable: %d\n",
			report.Chunks, report.Satisfied, report.Suppressed, len(report.Dispatched), report.DispatchFailures, len(report.Unrepairable))
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status            - Show tracker status")
		fmt.Println("  list peers        - List registered peers")
		fmt.Println("  lookup <file>     - Show replica sets of a file")
		fmt.Println("  replicate         - Run one replication pass now")
		fmt.Println("  exit              - Stop tracker and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func trackerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show tracker status and stats"},
		{Text: "list peers", Description: "List all registered peers"},
		{Text: "lookup", Description: "Show replica sets of a file"},
		{Text: "replicate", Description: "Run one replication pass"},
		{Text: "exit", Description: "Exit the tracker"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(trackerCmd)
	trackerCmd.Flags().StringVarP(&trackerConfigPath, "config", "c", "", "Path to tracker YAML config")
	trackerCmd.Flags().StringVarP(&trackerAddr, "addr", "a", "0.0.0.0:5000", "Address to listen on")
	trackerCmd.Flags().StringVar(&trackerSnapshot, "snapshot", "metadata.json", "Snapshot file path")
	trackerCmd.Flags().IntVarP(&trackerFactor, "factor", "r", 2, "Replication factor")
	trackerCmd.Flags().DurationVar(&trackerTimeout, "timeout", 30*time.Second, "Heartbeat timeout before a peer is dead")
	trackerCmd.Flags().BoolVar(&trackerNoAdvertise, "no-advertise", false, "Do not advertise the tracker over mDNS")
	trackerCmd.Flags().BoolVarP(&trackerInteractive, "interactive", "i", false, "Start in interactive mode")
}
