package timeline

import (
	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/google/uuid"
)

// TempIDProvider issues identifiers for optimistic records.
type TempIDProvider interface {
	NewTempID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a TempIDProvider that issues prefixed UUIDv7 identifiers.
func NewUUIDProvider() TempIDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewTempID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return messages.TempIDPrefix + value.String(), nil
}
