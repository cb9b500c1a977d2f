package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/givewatch/client"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			api, err := getAPIClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if err := api.Health(ctx); err != nil {
				return fmt.Errorf("server is unhealthy: %w", err)
			}
			fmt.Printf("✓ Server is healthy\n")
			fmt.Printf("  URL: %s\n", c.String("server-url"))
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify a claimed transfer against the chain without recording it",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "network", Usage: "Network id", Required: true},
			&cli.StringFlag{Name: "tx", Usage: "Transaction hash or signature", Required: true},
			&cli.StringFlag{Name: "from", Usage: "Donor address", Required: true},
			&cli.StringFlag{Name: "to", Usage: "Project wallet address", Required: true},
			&cli.StringFlag{Name: "amount", Usage: "Decimal amount in whole units", Required: true},
			&cli.StringFlag{Name: "currency", Usage: "Currency symbol", Required: true},
			&cli.Uint64Flag{Name: "nonce", Usage: "Sender nonce the donor used (EVM only)"},
		},
		Action: func(c *cli.Context) error {
			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.String("amount"), err)
			}
			claim := client.Claim{
				NetworkID: c.Int("network"),
				TxHash:    c.String("tx"),
				From:      c.String("from"),
				To:        c.String("to"),
				Amount:    amount,
				Currency:  c.String("currency"),
			}
			if c.IsSet("nonce") {
				n := c.Uint64("nonce")
				claim.Nonce = &n
			}

			api, err := getAPIClient(c)
			if err != nil {
				return err
			}
			result, err := api.Verify(c.Context, claim)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(result)
			}
			switch {
			case result.Verified:
				fmt.Printf("✓ Verified %s\n", result.Transaction.Hash)
				if result.Transaction.Speedup {
					fmt.Printf("  Replaced the claimed hash (speed-up)\n")
				}
			case result.Retryable:
				fmt.Printf("… Not mined yet: %s\n", result.Message)
			default:
				fmt.Printf("✗ %s: %s\n", result.Error, result.Message)
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("givewatch CLI\n")
			fmt.Printf("  Version: %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", date)
			return nil
		},
	}
}
