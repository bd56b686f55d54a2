package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ternarybob/sessionpool/internal/app"
)

// statusCmd opens the store directly. With the badger backend the server
// must not be running, since badger holds an exclusive directory lock.
type statusCmd struct{}

func (cmd *statusCmd) Run(ctx context.Context, globals *Globals) error {
	config, logger, err := globals.setup()
	if err != nil {
		return err
	}

	application, err := app.New(ctx, config, logger)
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	status := application.Pool.Status()
	fmt.Printf("accounts: %d  pending: %d  active: %d  cooldown: %d  invalid: %d  blocked: %d\n",
		status.TotalAccounts, status.PendingCount, status.ActiveCount,
		status.CooldownCount, status.InvalidCount, status.BlockedCount)
	if status.PausedForCircuitBreaker {
		fmt.Printf("PAUSED: %s (since %s)\n", status.PauseReason, status.PausedAt.Format(time.RFC3339))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tUSED\tLAST VERDICT\tLAST VALIDATED\tCOOLDOWN UNTIL")
	for _, a := range application.Pool.Snapshot() {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			a.ID, a.Status, a.DailyRequestCount, a.DailyRequestLimit,
			orDash(string(a.LastVerdict)), formatTime(a.LastValidatedAt), formatTime(a.CooldownUntil))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
