package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/givewatch/service/db"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func listDraftsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-drafts",
		Usage:   "List draft donations",
		Aliases: []string{"drafts"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, matched, failed)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of drafts",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			drafts, err := store.ListDrafts(context.Background(), db.ListDraftsParams{
				Status: c.String("status"),
				Limit:  int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list drafts: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(drafts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNETWORK\tFROM\tTO\tAMOUNT\tSTATUS\tDONATION\tCREATED")
			for _, d := range drafts {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
					d.ID,
					d.NetworkID,
					d.FromAddress,
					d.ToAddress,
					d.Amount,
					d.Currency,
					d.Status,
					formatOptional(d.MatchedDonationID),
					d.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d drafts\n", len(drafts))
			return nil
		},
	}
}

func createDraftCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-draft",
		Usage: "Declare a draft donation for the matcher to confirm",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "network", Usage: "Network id", Required: true},
			&cli.StringFlag{Name: "from", Usage: "Donor address", Required: true},
			&cli.StringFlag{Name: "to", Usage: "Project wallet address", Required: true},
			&cli.StringFlag{Name: "amount", Usage: "Decimal amount in whole units", Required: true},
			&cli.StringFlag{Name: "currency", Usage: "Currency symbol", Required: true},
			&cli.StringFlag{Name: "token", Usage: "Token contract or mint (empty for the native coin)"},
			&cli.Int64Flag{Name: "project", Usage: "Project id", Required: true},
			&cli.BoolFlag{Name: "anonymous", Usage: "Hide the donor on public listings"},
		},
		Action: func(c *cli.Context) error {
			params, err := draftParamsFromFlags(c)
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			draft, err := store.CreateDraftDonation(context.Background(), params)
			if err != nil {
				return fmt.Errorf("failed to create draft: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(draft)
			}
			fmt.Printf("Created draft %d (%s %s from %s)\n", draft.ID, draft.Amount, draft.Currency, draft.FromAddress)
			return nil
		},
	}
}

func draftParamsFromFlags(c *cli.Context) (db.CreateDraftDonationParams, error) {
	amount, err := decimal.NewFromString(c.String("amount"))
	if err != nil {
		return db.CreateDraftDonationParams{}, fmt.Errorf("invalid amount %q: %w", c.String("amount"), err)
	}
	if !amount.IsPositive() {
		return db.CreateDraftDonationParams{}, fmt.Errorf("amount must be positive")
	}
	return db.CreateDraftDonationParams{
		NetworkID:    c.Int("network"),
		Currency:     c.String("currency"),
		TokenAddress: c.String("token"),
		FromAddress:  c.String("from"),
		ToAddress:    c.String("to"),
		Amount:       amount,
		ProjectID:    c.Int64("project"),
		Anonymous:    c.Bool("anonymous"),
	}, nil
}

func listDonationsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-donations",
		Usage:   "List donations",
		Aliases: []string{"donations"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, verified, failed)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of donations",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			donations, err := store.ListDonationsByStatus(context.Background(), c.String("status"), int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list donations: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(donations)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNETWORK\tTX\tAMOUNT\tSTATUS\tPROJECT\tDRAFT\tCREATED")
			for _, d := range donations {
				tx := d.TransactionID
				if d.Speedup {
					tx += " (speed-up)"
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s %s\t%s\t%d\t%s\t%s\n",
					d.ID,
					d.NetworkID,
					tx,
					d.Amount,
					d.Currency,
					d.Status,
					d.ProjectID,
					formatOptional(d.DraftID),
					d.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d donations\n", len(donations))
			return nil
		},
	}
}

func getDonationCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-donation",
		Usage:     "Look up a donation by transaction hash",
		Aliases:   []string{"get"},
		ArgsUsage: "<tx-hash>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "network", Usage: "Network id", Required: true},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			d, err := store.FindDonationByTxHash(context.Background(), c.Args().First(), c.Int("network"))
			if err != nil {
				return fmt.Errorf("failed to get donation: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(d)
			}

			fmt.Printf("ID:          %d\n", d.ID)
			fmt.Printf("Transaction: %s\n", d.TransactionID)
			fmt.Printf("Network:     %d\n", d.NetworkID)
			fmt.Printf("From:        %s\n", d.FromAddress)
			fmt.Printf("To:          %s\n", d.ToAddress)
			fmt.Printf("Amount:      %s %s\n", d.Amount, d.Currency)
			if d.TokenAddress != "" {
				fmt.Printf("Token:       %s\n", d.TokenAddress)
			}
			fmt.Printf("Status:      %s\n", d.Status)
			if d.VerifyErrorMessage != nil {
				fmt.Printf("Error:       %s\n", *d.VerifyErrorMessage)
			}
			fmt.Printf("Speed-up:    %v\n", d.Speedup)
			fmt.Printf("Project:     %d\n", d.ProjectID)
			fmt.Printf("Anonymous:   %v\n", d.Anonymous)
			fmt.Printf("Draft:       %s\n", formatOptional(d.DraftID))
			fmt.Printf("Created:     %s\n", d.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}
