package common

import (
	"github.com/google/uuid"
)

// NewLeaseToken generates the opaque release token handed out with a lease
// Format: lease_<uuid>
func NewLeaseToken() string {
	return "lease_" + uuid.New().String()
}

// NewValidationRecordID generates a unique validation record ID
// Format: val_<uuid>
func NewValidationRecordID() string {
	return "val_" + uuid.New().String()
}
