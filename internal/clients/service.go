package clients

import (
	"context"
	"strconv"
	"strings"

	"github.com/freelancehq/portal/internal/notify"
	"github.com/freelancehq/portal/internal/shared"
)

// EventDispatcher records side effects of committed mutations.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

type Service struct {
	repo       Repository
	dispatcher EventDispatcher
}

func NewService(repo Repository, dispatcher EventDispatcher) *Service {
	return &Service{repo: repo, dispatcher: dispatcher}
}

func (s *Service) Create(ctx context.Context, req CreateClientRequest) (*Client, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	req.Country = strings.ToUpper(req.Country)
	if err := shared.ValidateStruct(req); err != nil {
		return nil, err
	}

	client, err := s.repo.Create(ctx, Client{
		Name:         req.Name,
		Email:        req.Email,
		AddressLine1: req.AddressLine1,
		AddressLine2: req.AddressLine2,
		City:         req.City,
		PostalCode:   req.PostalCode,
		Country:      req.Country,
		IsActive:     true,
	})
	if err != nil {
		return nil, shared.Storage(err, "create client")
	}
	s.record(ctx, client.ID, "client.created", map[string]any{"email": client.Email})
	return &client, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Client, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, shared.Storage(err, "get client")
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, req ListClientsRequest) ([]Client, error) {
	if err := shared.ValidateStruct(req); err != nil {
		return nil, err
	}
	out, err := s.repo.List(ctx, req)
	if err != nil {
		return nil, shared.Storage(err, "list clients")
	}
	return out, nil
}

// Deactivate blocks new invoices for the client. Existing invoices are untouched.
func (s *Service) Deactivate(ctx context.Context, id int64) (*Client, error) {
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return nil, shared.Storage(err, "deactivate client")
	}
	s.record(ctx, id, "client.deactivated", nil)
	return s.Get(ctx, id)
}

func (s *Service) record(ctx context.Context, id int64, action string, meta map[string]any) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(ctx, notify.Event{Activity: notify.Activity{
		EntityType: "client",
		EntityID:   strconv.FormatInt(id, 10),
		Action:     action,
		Metadata:   meta,
	}})
}
