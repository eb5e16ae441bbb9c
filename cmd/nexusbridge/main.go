package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/nexusbridge/internal/archive"
	"github.com/stellarlinkco/nexusbridge/internal/config"
	"github.com/stellarlinkco/nexusbridge/internal/gateway"
	"github.com/stellarlinkco/nexusbridge/internal/tools"
)

const cliVersion = "Nexus CLI " + config.DefaultServerVersion

// ChatOptions for running the chat client with custom dependencies
type ChatOptions struct {
	Client  *http.Client
	BaseURL string // overrides the configured chat listener
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "nexusbridge",
	Short: "nexusbridge - MCP, HTTP chat and canvas relay",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge (tool protocol on stdio, chat, canvas, scheduler)",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running bridge in single message or REPL mode",
	RunE:  runChat,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tool catalog as JSON",
	RunE:  runTools,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently archived chat exchanges",
	RunE:  runHistory,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Write the default config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nexusbridge status",
	RunE:  runStatus,
}

var (
	messageFlag string
	noStdioFlag bool
	limitFlag   int
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	serveCmd.Flags().BoolVar(&noStdioFlag, "no-stdio", false, "Disable the tool protocol on stdin/stdout")
	historyCmd.Flags().IntVarP(&limitFlag, "limit", "n", config.DefaultHistoryLimit, "Number of exchanges to show")
	rootCmd.AddCommand(serveCmd, chatCmd, toolsCmd, historyCmd, onboardCmd, statusCmd)
}

func main() {
	// stdout belongs to the tool protocol.
	log.SetOutput(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{NoStdio: noStdioFlag})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

// chatURL points at the local chat listener; a wildcard bind host is not
// dialable on every platform.
func chatURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Channels.Chat.Port))
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs the chat client with injectable dependencies for testing
func runChatWithOptions(opts ChatOptions) error {
	baseURL := opts.BaseURL
	if baseURL == "" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		baseURL = chatURL(cfg)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()
	endpoint := strings.TrimRight(baseURL, "/") + "/chat"

	// Single message mode
	if messageFlag != "" {
		reply, err := sendChat(ctx, client, endpoint, messageFlag)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "nexusbridge chat (type 'quit' to exit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		switch strings.ToLower(input) {
		case "quit", "exit", "q":
			fmt.Fprintln(stdout, "bye")
			return nil
		}

		reply, err := sendChat(ctx, client, endpoint, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)
	}
	return nil
}

func sendChat(ctx context.Context, client *http.Client, endpoint, message string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"message": message,
		"context": map[string]any{"source": archive.SourceCLI, "system": cliVersion},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect to bridge at %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var out struct {
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response (http %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error == "" {
			out.Error = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("bridge returned %d: %s", resp.StatusCode, out.Error)
	}
	return out.Response, nil
}

func runTools(cmd *cobra.Command, args []string) error {
	return printTools(os.Stdout)
}

func printTools(w io.Writer) error {
	reg := tools.NewRegistry()
	// Handlers are never invoked here; only the declarations are printed.
	if err := reg.RegisterAll(tools.Catalog(nil, nil)...); err != nil {
		return err
	}
	data, err := json.MarshalIndent(reg.Definitions(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return printHistory(os.Stdout, cfg.ArchivePath(), limitFlag)
}

func printHistory(w io.Writer, dbPath string, limit int) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(w, "No archive yet (enable archive.enabled and run 'nexusbridge serve')")
		return nil
	}
	store, err := archive.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Recent(limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No archived exchanges")
		return nil
	}
	// oldest first reads like a transcript
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		fmt.Fprintf(w, "[%s] (%s) > %s\n", r.CreatedAt, r.Source, r.Message)
		if r.Error != "" {
			fmt.Fprintf(w, "  ! %s\n", r.Error)
		} else {
			fmt.Fprintf(w, "  %s\n", r.Response)
		}
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set NEXUS_API_KEY / GEMINI_API_KEY environment variable")
	fmt.Println("  3. Register 'nexusbridge serve' as an MCP server in your editor")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Provider: %s\n", cfg.Provider.Type)
	fmt.Printf("Model: %s\n", cfg.Completion.Model)
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("Tool (stdio): enabled=%v server=%s/%s\n", cfg.Channels.Tool.Enabled, cfg.Channels.Tool.ServerName, cfg.Channels.Tool.ServerVersion)
	fmt.Printf("Chat: enabled=%v port=%d\n", cfg.Channels.Chat.Enabled, cfg.Channels.Chat.Port)
	fmt.Printf("Canvas: enabled=%v port=%d\n", cfg.Channels.Canvas.Enabled, cfg.Channels.Canvas.Port)
	fmt.Printf("Archive: enabled=%v path=%s\n", cfg.Archive.Enabled, cfg.ArchivePath())
	fmt.Printf("Schedule: heartbeat=%q jobs=%d\n", cfg.Schedule.Heartbeat, len(cfg.Schedule.Jobs))
	fmt.Printf("Telegram relay: enabled=%v\n", cfg.Relay.Telegram.Enabled)

	return nil
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) <= 8:
		return "set"
	default:
		return key[:4] + "..." + key[len(key)-4:]
	}
}
