package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ternarybob/sessionpool/internal/app"
	"github.com/ternarybob/sessionpool/internal/models"
)

type validateCmd struct {
	AccountID string `arg:"" help:"Account to validate"`
	Method    string `short:"m" help:"Run only this method after the cookie jar check (cookie_jar, http, browser)"`
}

func (cmd *validateCmd) Run(ctx context.Context, globals *Globals) error {
	method := models.ValidationMethod(strings.ToUpper(cmd.Method))
	if method != "" && !slices.Contains(models.ValidationMethodOrder, method) {
		return fmt.Errorf("unknown validation method %q", cmd.Method)
	}

	config, logger, err := globals.setup()
	if err != nil {
		return err
	}

	application, err := app.New(ctx, config, logger)
	if err != nil {
		return err
	}
	defer application.Close(context.Background())

	record, err := application.Supervisor.Validate(ctx, cmd.AccountID, method)
	if err != nil {
		return err
	}

	account, _ := application.Pool.Account(cmd.AccountID)
	fmt.Printf("account:  %s\n", record.AccountID)
	fmt.Printf("method:   %s\n", record.Method)
	fmt.Printf("verdict:  %s\n", record.Verdict)
	if record.Error != "" {
		fmt.Printf("detail:   %s\n", record.Error)
	}
	if record.FinalURL != "" {
		fmt.Printf("final:    %s (%d)\n", record.FinalURL, record.ResponseCode)
	}
	fmt.Printf("markers:  auth=%d login=%d\n", record.AuthElementsFound, record.LoginElementsFound)
	fmt.Printf("elapsed:  %dms\n", record.ElapsedMs)
	if account != nil {
		fmt.Printf("status:   %s\n", account.Status)
	}
	return nil
}
