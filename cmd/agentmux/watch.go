package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/internal/notify"
)

func newWatchCmd() *cobra.Command {
	var (
		natsURL     string
		natsToken   string
		participant string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a participant's notifications on the NATS bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(natsURL, natsToken, participant)
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", envOr("AGENTMUX_NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	cmd.Flags().StringVar(&natsToken, "nats-token", os.Getenv("NATS_AUTH_TOKEN"), "NATS auth token")
	cmd.Flags().StringVar(&participant, "participant", "developer", "participant whose notifications to follow")
	return cmd
}

func runWatch(url, token, participant string) error {
	clientCfg := notify.DefaultConfig(url, "agentmux-watch")
	clientCfg.Token = token
	clientCfg.JetStreamEnabled = false

	client, err := notify.Connect(clientCfg)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer client.Close()

	subject := notify.WatchSubject(participant)
	if err := client.Subscribe(subject, printNotification); err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	if err := client.Flush(); err != nil {
		return fmt.Errorf("flushing subscription: %w", err)
	}
	if !client.IsConnected() {
		return fmt.Errorf("nats connection lost after subscribe")
	}
	fmt.Printf("watching %s (ctrl-c to stop)\n", subject)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	return nil
}

func printNotification(data []byte) {
	var env notify.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Printf("[%s] %s %s -> %s: %s\n",
		env.SentAt.Format(time.RFC3339), env.Priority, env.From, env.Participant, env.Content)
}
