package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/givewatch/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams confirmed donation events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream confirmed donation events",
		ArgsUsage: "[network_id]",
		Description: `Subscribe to donation events published to NATS JetStream.

Events are published to donations.{network_id}. Without an argument every
network is streamed.

Example:
  givewatch nats subscribe 10 --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "givewatch-cli",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Stop after this long (0 streams until interrupted)",
			},
		},
		Action: func(c *cli.Context) error {
			subject, err := donationSubject(c.Args().First())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if d := c.Duration("timeout"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			return streamDonations(ctx, c.String("nats-url"), subject, c.Bool("durable"), c.String("consumer-name"), c.Bool("json"))
		},
	}
}

func donationSubject(network string) (string, error) {
	if network == "" {
		return natspkg.StreamSubjects, nil
	}
	for _, r := range network {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("network id must be numeric, got %q", network)
		}
	}
	return "donations." + network, nil
}

func streamDonations(ctx context.Context, natsURL, subject string, durable bool, consumerName string, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL, nats.Name("givewatch-cli"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for donations... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	msgChan := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer cc.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.DonationEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				msg.Ack()
				continue
			}
			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
			} else {
				printDonationEvent(count, &event)
			}
			msg.Ack()

		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nReceived %d donation(s)\n", count)
			}
			return nil
		}
	}
}

func printDonationEvent(n int, e *natspkg.DonationEvent) {
	kind := "donation"
	if e.Recurring {
		kind = "recurring donation"
	}
	fmt.Printf("💸 %s #%d on network %d\n", kind, n, e.NetworkID)
	fmt.Printf("   Transaction: %s\n", e.TransactionID)
	fmt.Printf("   Amount:      %s %s\n", e.Amount, e.Currency)
	fmt.Printf("   Project:     %d\n", e.ProjectID)
	if !e.Anonymous {
		fmt.Printf("   From:        %s\n", e.FromAddress)
	}
	if e.Speedup {
		fmt.Printf("   Speed-up:    yes\n")
	}
	fmt.Printf("   Published:   %s\n\n", e.PublishedAt.Format(time.RFC3339))
}
