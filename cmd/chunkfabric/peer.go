package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"tarun-kavipurapu/chunk-fabric/peer"
	"tarun-kavipurapu/chunk-fabric/pkg/config"
	"tarun-kavipurapu/chunk-fabric/pkg/logger"
)

var (
	peerConfigPath  string
	peerID          string
	peerTracker     string
	peerControl     string
	peerData        string
	peerStore       string
	fileToPublish   string
	fileToDownload  string
	downloadOut     string
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a storage peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadPeerConfig(cmd)
		if err != nil {
			return err
		}
		if err := initLogging(cmd, cfg.Log); err != nil {
			return err
		}

		p, err := peer.NewPeerServer(cfg)
		if err != nil {
			return err
		}
		p.SetProgressOutput(os.Stdout)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := p.Start(ctx); err != nil {
			return multierr.Combine(fmt.Errorf("start peer: %w", err), p.Stop())
		}
		fmt.Printf("Peer %s: control %s, data %s, tracker %s\n", cfg.ID, p.ControlAddr(), p.DataAddr(), p.Tracker().Addr())

		if fileToPublish != "" {
			logger.Sugar.Infof("[PeerServer] auto-publishing file: %s", fileToPublish)
			if _, err := p.PublishFile(ctx, fileToPublish, ""); err != nil {
				logger.Sugar.Errorf("[PeerServer] failed to publish file: %v", err)
			}
		}
		if fileToDownload != "" {
			out := downloadOut
			if out == "" {
				out = filepath.Base(fileToDownload)
			}
			logger.Sugar.Infof("[PeerServer] auto-downloading file: %s -> %s", fileToDownload, out)
			if err := p.Download(ctx, fileToDownload, out); err != nil {
				logger.Sugar.Errorf("[PeerServer] failed to download file: %v", err)
			}
		}

		if peerInteractive {
			fmt.Println("Chunk Fabric Peer Interactive Shell")
			fmt.Println("Type 'help' for commands.")
			prompt.New(
				func(in string) { peerExecutor(in, p) },
				peerCompleter,
				prompt.OptionPrefix("peer> "),
				prompt.OptionTitle("Chunk Fabric Peer"),
			).Run()
			return p.Stop()
		}

		<-ctx.Done()
		logger.Sugar.Info("[PeerServer] shutdown signal received")
		return p.Stop()
	},
}

func loadPeerConfig(cmd *cobra.Command) (*config.PeerConfig, error) {
	cfg := config.DefaultPeerConfig()
	if peerConfigPath != "" {
		loaded, err := config.LoadPeerConfig(peerConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("id") {
		cfg.ID = peerID
	}
	if flags.Changed("tracker") {
		cfg.Tracker = peerTracker
	}
	if flags.Changed("control") {
		cfg.ControlListen = peerControl
	}
	if flags.Changed("data") {
		cfg.DataListen = peerData
	}
	if flags.Changed("store") {
		cfg.StoreDir = peerStore
	}
	return cfg, cfg.Validate()
}

func peerExecutor(in string, p *peer.PeerServer) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}
	ctx := context.Background()

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		if err := p.Stop(); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
		os.Exit(0)
	case "status":
		fmt.Println(p.GetStatus())
	case "publish":
		if len(blocks) < 2 {
			fmt.Println("Usage: publish <file_path> [name]")
			return
		}
		name := ""
		if len(blocks) > 2 {
			name = blocks[2]
		}
		req, err := p.PublishFile(ctx, blocks[1], name)
		if err != nil {
			fmt.Printf("Error publishing file: %v\n", err)
			return
		}
		fmt.Printf("Published %s: %d chunks, %d bytes\n", req.Filename, len(req.Chunks), *req.Size)
	case "download":
		if len(blocks) < 2 {
			fmt.Println("Usage: download <filename> [out_path]")
			return
		}
		out := filepath.Base(blocks[1])
		if len(blocks) > 2 {
			out = blocks[2]
		}
		if err := p.Download(ctx, blocks[1], out); err != nil {
			fmt.Printf("Error downloading file: %v\n", err)
		} else {
			fmt.Printf("Saved to %s\n", out)
		}
	case "peers":
		peers, err := p.Tracker().Peers(ctx)
		if err != nil {
			fmt.Printf("Error fetching peers: %v\n", err)
			return
		}
		ids := make([]string, 0, len(peers))
		for id := range peers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("- %s %s %s\n", id, peers[id].DataAddr(), peers[id].Status)
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                    - Show peer status")
		fmt.Println("  publish <path> [name]     - Chunk, store and publish a local file")
		fmt.Println("  download <name> [out]     - Download a file from its holders")
		fmt.Println("  peers                     - List peers known to the tracker")
		fmt.Println("  exit                      - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "publish", Description: "Publish a file"},
		{Text: "download", Description: "Download a file"},
		{Text: "peers", Description: "List peers"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().StringVarP(&peerConfigPath, "config", "c", "", "Path to peer YAML config")
	peerCmd.Flags().StringVar(&peerID, "id", "", "Peer id")
	peerCmd.Flags().StringVarP(&peerTracker, "tracker", "t", "", "Tracker address (mDNS discovery when empty)")
	peerCmd.Flags().StringVar(&peerControl, "control", "0.0.0.0:9001", "Control endpoint listen address")
	peerCmd.Flags().StringVar(&peerData, "data", "0.0.0.0:9011", "Chunk transfer listen address")
	peerCmd.Flags().StringVar(&peerStore, "store", "chunks", "Chunk store directory")
	peerCmd.Flags().StringVarP(&fileToPublish, "publish", "p", "", "Path to a file to publish immediately")
	peerCmd.Flags().StringVarP(&fileToDownload, "download", "d", "", "Filename to download immediately")
	peerCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "Output path for --download")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
