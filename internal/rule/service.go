package rule

import (
	"context"

	"github.com/gorilla/mux"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/pubsub"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type (
	Service struct {
		logr.Logger

		db     *pgdb
		broker *pubsub.Broker[*Rule]
		api    *apiHandlers
	}

	Options struct {
		logr.Logger
		*sql.DB
	}
)

func NewService(opts Options) *Service {
	svc := &Service{
		Logger: opts.Logger,
		db:     &pgdb{opts.DB},
		broker: pubsub.NewBroker[*Rule](opts.Logger),
	}
	svc.api = &apiHandlers{svc: svc}
	return svc
}

func (s *Service) AddHandlers(r *mux.Router) {
	s.api.addHandlers(r)
}

func (s *Service) Create(ctx context.Context, opts CreateOptions) (*Rule, error) {
	r, err := newRule(opts)
	if err != nil {
		s.Error(err, "creating load balancing rule")
		return nil, err
	}
	if err := s.db.create(ctx, r); err != nil {
		s.Error(err, "creating load balancing rule", "rule", r)
		return nil, err
	}
	s.V(1).Info("created load balancing rule", "rule", r)
	s.broker.Publish(pubsub.NewCreatedEvent(r))
	return r, nil
}

func (s *Service) Get(ctx context.Context, id resource.ID) (*Rule, error) {
	return s.db.get(ctx, id)
}

// List returns all rules ordered by priority descending.
func (s *Service) List(ctx context.Context) ([]*Rule, error) {
	return s.db.list(ctx)
}

// ListActive returns active rules ordered by priority descending, for
// evaluation by the assigner.
func (s *Service) ListActive(ctx context.Context) ([]*Rule, error) {
	return s.db.listActive(ctx)
}

func (s *Service) Update(ctx context.Context, id resource.ID, opts UpdateOptions) (*Rule, error) {
	updated, err := s.db.update(ctx, id, func(ctx context.Context, r *Rule) error {
		return r.update(opts)
	})
	if err != nil {
		s.Error(err, "updating load balancing rule", "rule_id", id)
		return nil, err
	}
	s.V(1).Info("updated load balancing rule", "rule", updated)
	s.broker.Publish(pubsub.NewUpdatedEvent(updated))
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id resource.ID) error {
	r, err := s.db.delete(ctx, id)
	if err != nil {
		s.Error(err, "deleting load balancing rule", "rule_id", id)
		return err
	}
	s.V(1).Info("deleted load balancing rule", "rule", r)
	s.broker.Publish(pubsub.NewDeletedEvent(r))
	return nil
}

// Watch provides a subscription to rule events.
func (s *Service) Watch(name string) (<-chan pubsub.Event[*Rule], func()) {
	return s.broker.Subscribe(name)
}
