package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"kitchenledger/backend/internal/cache"
	"kitchenledger/backend/internal/domain"
	"kitchenledger/backend/internal/events"
	"kitchenledger/backend/internal/ledger"
	"kitchenledger/backend/internal/lock"
	"kitchenledger/backend/internal/store"
	"kitchenledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const sideTaskTimeout = 15 * time.Second

type Options struct {
	Logger             logrus.FieldLogger
	Bus                *events.Bus
	Cache              cache.StockCache
	CacheTTL           time.Duration
	Locker             lock.Locker
	DefaultLocation    string
	RejectOverDispatch bool
	SlipNumberAttempts int
	Now                func() time.Time
	// SlipSuffix returns the three digit tail of a slip number.
	SlipSuffix func() int
}

type Service struct {
	repo               store.Repository
	ledger             *ledger.Calculator
	bus                *events.Bus
	cache              cache.StockCache
	cacheTTL           time.Duration
	locker             lock.Locker
	log                logrus.FieldLogger
	validate           *validator.Validate
	defaultLocation    string
	rejectOverDispatch bool
	slipAttempts       int
	now                func() time.Time
	slipSuffix         func() int
	tasks              sync.WaitGroup
}

func New(repo store.Repository, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(log)
	}
	stockCache := opts.Cache
	if stockCache == nil {
		stockCache = cache.NoopStockCache{}
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 20 * time.Second
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	location := opts.DefaultLocation
	if !domain.IsValidLocation(location) {
		location = domain.LocationTothai
	}
	attempts := opts.SlipNumberAttempts
	if attempts < 1 {
		attempts = 3
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	suffix := opts.SlipSuffix
	if suffix == nil {
		suffix = func() int { return rand.IntN(1000) }
	}

	s := &Service{
		repo:               repo,
		ledger:             ledger.NewCalculator(repo, log),
		bus:                bus,
		cache:              stockCache,
		cacheTTL:           cacheTTL,
		locker:             locker,
		log:                log.WithField("component", "service"),
		validate:           newValidator(),
		defaultLocation:    location,
		rejectOverDispatch: opts.RejectOverDispatch,
		slipAttempts:       attempts,
		now:                now,
		slipSuffix:         suffix,
	}

	cache.InvalidateOn(bus, stockCache)
	bus.SubscribeAll(s.recordAudit)
	return s
}

// Bus exposes the event bus so callers can attach more projections.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Wait blocks until every side task started so far has finished.
func (s *Service) Wait() {
	s.tasks.Wait()
}

// goSideTask runs fn detached from the request. The request's values, such
// as the actor, are kept but its cancellation is not.
func (s *Service) goSideTask(ctx context.Context, fn func(ctx context.Context)) {
	detached := context.WithoutCancel(ctx)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		taskCtx, cancel := context.WithTimeout(detached, sideTaskTimeout)
		defer cancel()
		fn(taskCtx)
	}()
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) ListChefs(ctx context.Context) ([]domain.Chef, error) {
	return s.repo.ListChefs(ctx)
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) ListAuditLogs(ctx context.Context, location string, date string, limit int) ([]domain.AuditLog, error) {
	location, err := s.resolveLocation(location)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse(domain.DateLayout, date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, location, from, to, limit)
}

func (s *Service) publish(ctx context.Context, kind events.Kind, location string, entityType string, entityID string, detail string) {
	s.bus.Publish(ctx, events.Event{
		Kind:       kind,
		Location:   location,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actorName(ctx),
		Detail:     detail,
		At:         s.now(),
	})
}

// recordAudit is the audit log projection of the event stream.
func (s *Service) recordAudit(ctx context.Context, e events.Event) error {
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		Location:      e.Location,
		ActorUsername: e.Actor,
		Action:        string(e.Kind),
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Detail:        e.Detail,
		CreatedAt:     e.At,
	})
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (s *Service) resolveLocation(location string) (string, error) {
	location = strings.ToLower(strings.TrimSpace(location))
	if location == "" {
		return s.defaultLocation, nil
	}
	if !domain.IsValidLocation(location) {
		return "", ErrInvalidLocation
	}
	return location, nil
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Actor{}, ErrSignInRequired
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrAdminRequired
	}
	return actor, nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

// writeError turns a backend permission denial on a mutation into the
// sign-in error users see. Reads never pass through here.
func writeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrPermissionDenied) && !errors.Is(err, ErrSignInRequired) && !errors.Is(err, ErrAdminRequired) {
		return fmt.Errorf("%w (%v)", ErrSignInRequired, err)
	}
	return err
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Service) validateStruct(value any) error {
	err := s.validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Namespace()[strings.Index(fe.Namespace(), ".")+1:]] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}

func dayRange(from string, to string, now time.Time) (time.Time, time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -30)
	end := today.AddDate(0, 0, 1)
	if strings.TrimSpace(from) != "" {
		parsed, err := time.Parse(domain.DateLayout, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be yyyy-MM-dd", store.ErrInvalidTransaction)
		}
		start = parsed.UTC()
	}
	if strings.TrimSpace(to) != "" {
		parsed, err := time.Parse(domain.DateLayout, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: to must be yyyy-MM-dd", store.ErrInvalidTransaction)
		}
		end = parsed.UTC().AddDate(0, 0, 1)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from must not be after to", store.ErrInvalidTransaction)
	}
	return start, end, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
