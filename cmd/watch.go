package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/USA-RedDragon/lms-realtime/internal/config"
	"github.com/USA-RedDragon/lms-realtime/internal/metrics"
	"github.com/USA-RedDragon/lms-realtime/internal/realtime/channel"
	"github.com/USA-RedDragon/lms-realtime/internal/realtime/stream"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/ztrue/shutdown"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a running server and print what it pushes",
	}

	channelCmd := &cobra.Command{
		Use:           "channel",
		Short:         "Join the sync channel; JSON lines read from stdin are sent to it",
		Args:          cobra.NoArgs,
		RunE:          runWatchChannel,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(channelCmd)

	streamCmd := &cobra.Command{
		Use:           "stream <conversation-id>",
		Short:         "Follow the message stream of a conversation",
		Args:          cobra.ExactArgs(1),
		RunE:          runWatchStream,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(streamCmd)

	cmd.AddCommand(channelCmd, streamCmd)
	return cmd
}

func authHeader(config *config.Config) http.Header {
	header := http.Header{}
	if config.Client.Token != "" {
		header.Set("Authorization", "JWT "+config.Client.Token)
	}
	return header
}

// watchMetrics serves the client manager collectors of a watch command when
// http.metrics is enabled. With metrics disabled every field is zero and the
// managers record nothing.
type watchMetrics struct {
	metrics *metrics.Metrics
	addr    string
	server  *http.Server
}

func startWatchMetrics(config *config.Config) (*watchMetrics, error) {
	if !config.HTTP.Metrics.Enabled {
		return &watchMetrics{}, nil
	}

	registry := prometheus.NewRegistry()
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	listener, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", config.HTTP.Metrics.IPV4Host, config.HTTP.Metrics.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "error", err.Error())
		}
	}()
	slog.Info("Metrics server started", "addr", listener.Addr().String())

	return &watchMetrics{
		metrics: metrics.NewMetrics(registry),
		addr:    listener.Addr().String(),
		server:  server,
	}, nil
}

func (w *watchMetrics) Close() {
	if w.server != nil {
		_ = w.server.Close()
	}
}

func runWatchChannel(cmd *cobra.Command, _ []string) error {
	config, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	err = config.ValidateChannelClient()
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	clientMetrics, err := startWatchMetrics(config)
	if err != nil {
		return err
	}

	manager := channel.New(config.Client.ChannelURL, channel.Handlers{
		OnMessage: func(data json.RawMessage) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		},
		OnConnect: func() {
			slog.Info("Channel connected", "url", config.Client.ChannelURL)
		},
		OnDisconnect: func() {
			slog.Info("Channel disconnected")
		},
		OnError: func(err error) {
			if errors.Is(err, channel.ErrReconnectAttemptsExhausted) {
				slog.Error("Giving up on the channel", "error", err)
				return
			}
			slog.Warn("Channel error", "error", err)
		},
	}, channel.Config{
		ReconnectInterval:    config.Client.ReconnectInterval,
		MaxReconnectAttempts: config.Client.MaxReconnectAttempts,
		Dialer:               &channel.WebsocketDialer{Header: authHeader(config)},
		Metrics:              clientMetrics.metrics,
	})

	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			line := scanner.Bytes()
			if !json.Valid(line) {
				slog.Warn("Ignoring input that is not JSON")
				continue
			}
			if err := manager.Send(json.RawMessage(line)); err != nil {
				slog.Warn("Failed to send", "error", err)
			}
		}
	}()

	shutdown.AddWithParam(func(_ os.Signal) {
		manager.Disconnect()
		clientMetrics.Close()
	})
	shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return nil
}

func runWatchStream(cmd *cobra.Command, args []string) error {
	config, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	err = config.ValidateStreamClient()
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	clientMetrics, err := startWatchMetrics(config)
	if err != nil {
		return err
	}

	manager := stream.New(args[0], stream.Handlers{
		OnNewMessages: func(messages []json.RawMessage) {
			for _, message := range messages {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(message))
			}
		},
		OnError: func(message string) {
			slog.Warn("Stream error", "message", message)
		},
	}, stream.Config{
		BaseURL:       config.Client.StreamURL,
		Header:        authHeader(config),
		RetryInterval: config.Client.ReconnectInterval,
		MaxRetries:    config.Client.StreamMaxRetries,
		Metrics:       clientMetrics.metrics,
	})

	shutdown.AddWithParam(func(_ os.Signal) {
		manager.Disconnect()
		clientMetrics.Close()
	})
	shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return nil
}
