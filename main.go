package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"packetlens/internal/config"
	"packetlens/internal/engine"
	"packetlens/internal/handlers"
	"packetlens/internal/models"
	"packetlens/internal/stream"
)

var (
	configPath  string
	debug       bool
	port        int
	threads     int
	filterPath  string
	showStreams bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "packetlens",
	Short:         "Dissect capture files and query the results with filters",
	SilenceUsage:  true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}

		eng, err := newEngine(cfg)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(eng.Metrics(), collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		mux := http.NewServeMux()
		handlers.RegisterRoutes(mux, eng, handlers.Options{
			UploadLimit: cfg.Server.UploadLimit,
			Gatherer:    reg,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Infof("packetlens listening on http://localhost%s", srv.Addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("server: %w", err)
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Dissect a capture file and print matching packets as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		eng, err := newEngine(cfg)
		if err != nil {
			return err
		}

		if filterPath != "" {
			raw, err := os.ReadFile(filterPath)
			if err != nil {
				return fmt.Errorf("read filter: %w", err)
			}
			if err := eng.SetFilter(raw); err != nil {
				return err
			}
		}

		out := &lineClient{w: cmd.OutOrStdout(), types: map[string]bool{engine.MsgPacket: true}}
		if showStreams {
			out.types[stream.EventStreamComplete] = true
		}
		eng.RegisterClient(out)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := eng.LoadFile(ctx, args[0]); err != nil {
			return err
		}

		st := eng.Stats()
		log.WithFields(log.Fields{
			"packets":  st.PacketCount,
			"matched":  st.MatchedCount,
			"streams":  st.StreamCount,
			"failures": st.FailureCount,
		}).Info("analysis complete")
		return out.err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "print lots of debugging messages")
	rootCmd.PersistentFlags().IntVarP(&threads, "threads", "t", 0, "dissector worker count; default from configuration")

	serveCmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP server port")

	analyzeCmd.Flags().StringVarP(&filterPath, "filter", "f", "", "JSON expression tree to filter packets with")
	analyzeCmd.Flags().BoolVar(&showStreams, "streams", false, "also print completed streams")

	rootCmd.AddCommand(serveCmd, analyzeCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("threads") {
		cfg.Dispatcher.Threads = threads
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Log.Apply(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newEngine(cfg *config.Config) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Dispatcher: cfg.Dispatcher,
		Streams:    cfg.Streams,
		Filter:     cfg.Filter,
	})
}

// lineClient writes the payload of selected broadcasts as JSON lines.
type lineClient struct {
	mu    sync.Mutex
	w     io.Writer
	types map[string]bool
	err   error
}

func (c *lineClient) SendMessage(msg models.WSMessage) error {
	if !c.types[msg.Type] {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	line, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{msg.Type, msg.Payload})
	if err == nil {
		_, err = fmt.Fprintf(c.w, "%s\n", line)
	}
	c.err = err
	return err
}
