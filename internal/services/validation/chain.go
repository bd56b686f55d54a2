package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
)

// Chain runs the validation methods cheapest first and returns exactly one
// record per call. The cookie jar precondition always runs; a failing jar is
// conclusive on its own. HTTP and BROWSER stop at the first conclusive
// verdict, so BROWSER only runs when HTTP is inconclusive or disabled.
type Chain struct {
	jar     interfaces.Validator
	methods map[models.ValidationMethod]interfaces.Validator
	order   []models.ValidationMethod
	logger  arbor.ILogger
	now     func() time.Time
}

// NewChain creates a chain from the jar check plus the enabled network
// checks. Nil validators are skipped.
func NewChain(jar interfaces.Validator, logger arbor.ILogger, validators ...interfaces.Validator) *Chain {
	c := &Chain{
		jar:     jar,
		methods: make(map[models.ValidationMethod]interfaces.Validator),
		logger:  logger,
		now:     time.Now,
	}
	for _, v := range validators {
		if v == nil {
			continue
		}
		c.methods[v.Method()] = v
	}
	for _, m := range models.ValidationMethodOrder {
		if _, ok := c.methods[m]; ok {
			c.order = append(c.order, m)
		}
	}
	return c
}

// Methods lists the enabled network methods in run order
func (c *Chain) Methods() []models.ValidationMethod {
	return append([]models.ValidationMethod(nil), c.order...)
}

// Validate runs the full chain
func (c *Chain) Validate(ctx context.Context, account *models.Account) *models.ValidationRecord {
	return c.run(ctx, account, c.order)
}

// ValidateWith runs the jar precondition and then only the pinned method
func (c *Chain) ValidateWith(ctx context.Context, account *models.Account, method models.ValidationMethod) (*models.ValidationRecord, error) {
	if method == models.ValidationMethodCookieJar {
		return c.run(ctx, account, nil), nil
	}
	if _, ok := c.methods[method]; !ok {
		return nil, fmt.Errorf("validation method %s is not enabled", method)
	}
	return c.run(ctx, account, []models.ValidationMethod{method}), nil
}

func (c *Chain) run(ctx context.Context, account *models.Account, order []models.ValidationMethod) *models.ValidationRecord {
	start := time.Now()
	record := c.jar.Validate(ctx, account)
	if record.Verdict == models.VerdictActive {
		for _, method := range order {
			if ctx.Err() != nil {
				break
			}
			record = c.methods[method].Validate(ctx, account)
			if record.Verdict != models.VerdictError || record.ChallengeDetected {
				break
			}
			c.logger.Debug().
				Str("account_id", account.ID).
				Str("method", string(method)).
				Str("error", record.Error).
				Msg("Validation inconclusive, trying next method")
		}
	}

	// the stored record reports the cost of the whole chain
	record.ElapsedMs = time.Since(start).Milliseconds()
	record.ID = common.NewValidationRecordID()
	record.AccountID = account.ID
	record.CreatedAt = c.now()
	return record
}
