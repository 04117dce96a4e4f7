package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/skiffnet/skiff"
	"github.com/skiffnet/skiff/banlist"
	"github.com/skiffnet/skiff/message"
	"github.com/skiffnet/skiff/protocol"
)

// msgChat is the demo chat message ID; the server relays it to all other
// connected clients.
const msgChat uint16 = 1

const tickInterval = 10 * time.Millisecond

var rootCmd = &cobra.Command{
	Use:   "skiff",
	Short: "Low-latency connection-oriented messaging over UDP",
}

// ─── serve ───────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a chat relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		maxClients, _ := cmd.Flags().GetInt("max-clients")
		configPath, _ := cmd.Flags().GetString("config")
		banDir, _ := cmd.Flags().GetString("ban-dir")

		var cfg skiff.Config
		if configPath != "" {
			var err error
			cfg, err = skiff.LoadConfig(configPath)
			if err != nil {
				return err
			}
		}
		cfg.Log = logrus.StandardLogger()

		srv := skiff.NewServer(cfg)
		srv.ConnectLimit = rate.NewLimiter(rate.Limit(50), 100)
		srv.Relay(msgChat)

		if banDir != "" {
			bans, err := banlist.Open(banDir)
			if err != nil {
				return err
			}
			defer bans.Close()
			srv.Bans = bans
		}

		srv.OnClientConnected(func(c *skiff.Connection) {
			fmt.Printf("client %d joined from %s\n", c.ID(), c.RemoteEndpoint())
		})
		srv.OnClientDisconnected(func(id uint16, reason protocol.DisconnectReason) {
			fmt.Printf("client %d left (%s)\n", id, reason)
		})

		if err := srv.Start(port, maxClients, false); err != nil {
			return err
		}
		defer srv.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.Tick()
			case <-sig:
				fmt.Println("\nshutting down")
				return nil
			}
		}
	},
}

// ─── connect ─────────────────────────────────────────────────────────────────

var connectCmd = &cobra.Command{
	Use:   "connect <host:port>",
	Short: "Connect to a chat server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		name, _ := cmd.Flags().GetString("name")

		var cfg skiff.Config
		if configPath != "" {
			var err error
			cfg, err = skiff.LoadConfig(configPath)
			if err != nil {
				return err
			}
		}
		cfg.Log = logrus.StandardLogger()

		cli := skiff.NewClient(cfg)
		done := make(chan struct{})

		cli.OnConnected(func() {
			fmt.Printf("connected as client %d — type to chat\n> ", cli.ID())
		})
		cli.OnConnectionFailed(func(reason skiff.ConnectFailReason, custom []byte) {
			fmt.Printf("connection failed: %s\n", reason)
			close(done)
		})
		cli.OnDisconnected(func(reason protocol.DisconnectReason, data []byte) {
			fmt.Printf("disconnected: %s\n", reason)
			close(done)
		})
		cli.RegisterHandler(msgChat, func(m *message.Message) {
			from, err := m.String16()
			if err != nil {
				return
			}
			text, err := m.String16()
			if err != nil {
				return
			}
			fmt.Printf("\r[%s] %s\n> ", from, text)
		})

		if err := cli.Connect(args[0], []byte(name)); err != nil {
			return err
		}

		// Console input feeds outbound chat lines; the tick loop below
		// owns all engine calls.
		lines := make(chan string, 16)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- strings.TrimSpace(scanner.Text())
			}
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cli.Tick()
			case line := <-lines:
				if line == "" {
					fmt.Print("> ")
					continue
				}
				m := message.GetWithID(msgChat)
				m.AddString(name)   //nolint:errcheck
				m.AddString(line)   //nolint:errcheck
				if err := cli.Send(m, true); err != nil {
					fmt.Printf("send: %v\n", err)
				}
				fmt.Print("> ")
			case <-sig:
				cli.Disconnect()
				return nil
			case <-done:
				return nil
			}
		}
	},
}

func init() {
	serveCmd.Flags().Int("port", 7777, "UDP port to listen on")
	serveCmd.Flags().Int("max-clients", 16, "Maximum concurrent clients")
	serveCmd.Flags().String("ban-dir", "", "Directory for the persistent ban list (empty = disabled)")

	connectCmd.Flags().String("name", "anon", "Display name in chat")

	for _, cmd := range []*cobra.Command{serveCmd, connectCmd} {
		cmd.Flags().String("config", "", "YAML config file")
	}
	rootCmd.AddCommand(serveCmd, connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
