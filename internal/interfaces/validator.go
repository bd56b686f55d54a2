package interfaces

import (
	"context"

	"github.com/ternarybob/sessionpool/internal/models"
)

// Validator runs one health check against an account's session. Implementations
// never return nil: transport problems are reported as an ERROR verdict.
type Validator interface {
	Method() models.ValidationMethod
	Validate(ctx context.Context, account *models.Account) *models.ValidationRecord
}
