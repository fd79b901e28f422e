package clients

import (
	"time"

	"github.com/freelancehq/portal/internal/shared"
)

// Client is the billed party of an invoice.
type Client struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	AddressLine1 string    `json:"address_line1,omitempty"`
	AddressLine2 string    `json:"address_line2,omitempty"`
	City         string    `json:"city,omitempty"`
	PostalCode   string    `json:"postal_code,omitempty"`
	Country      string    `json:"country,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrNotFound   = shared.NotFoundf("client not found")
	ErrEmailTaken = shared.Conflictf(nil, "a client with this email already exists")
)

// CreateClientRequest is the payload for registering a client.
type CreateClientRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	Email        string `json:"email" validate:"required,email,max=254"`
	AddressLine1 string `json:"address_line1,omitempty" validate:"omitempty,max=200"`
	AddressLine2 string `json:"address_line2,omitempty" validate:"omitempty,max=200"`
	City         string `json:"city,omitempty" validate:"omitempty,max=100"`
	PostalCode   string `json:"postal_code,omitempty" validate:"omitempty,max=20"`
	Country      string `json:"country,omitempty" validate:"omitempty,len=2"`
}

// ListClientsRequest filters client listings.
type ListClientsRequest struct {
	IsActive *bool
	Search   string
	Limit    int `validate:"gte=0,lte=200"`
	Offset   int `validate:"gte=0"`
}
