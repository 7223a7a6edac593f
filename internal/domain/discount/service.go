package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/grocer/internal/domain/failure"
)

// Evaluation is a Result together with the discount that produced it.
type Evaluation struct {
	Discount *Discount
	Result
}

// CreateRequest holds the input for defining a discount.
type CreateRequest struct {
	StoreID        string
	ProductID      string
	Type           Type
	Value          decimal.Decimal
	MinPurchase    decimal.Decimal
	MaxDiscountCap decimal.Decimal
	StartDate      time.Time
	EndDate        time.Time
}

// Service selects, evaluates and administers discounts.
type Service struct {
	repo   Repository
	policy Policy
	now    func() time.Time
}

// NewService creates a Service. An empty policy means PolicyLatest.
func NewService(repo Repository, policy Policy) *Service {
	if policy == "" {
		policy = PolicyLatest
	}
	return &Service{repo: repo, policy: policy, now: func() time.Time { return time.Now().UTC() }}
}

// EvaluateFor selects the live discount of the pair and evaluates it.
func (s *Service) EvaluateFor(ctx context.Context, storeID, productID string, unitPrice decimal.Decimal, quantity int64) (Evaluation, error) {
	if storeID == "" || productID == "" {
		return Evaluation{}, failure.Validation("store id and product id are required")
	}
	if quantity < 1 {
		return Evaluation{}, failure.Validation("quantity must be at least 1")
	}
	if unitPrice.IsNegative() {
		return Evaluation{}, failure.Validation("unit price must not be negative")
	}

	candidates, err := s.repo.ListForProduct(ctx, storeID, productID)
	if err != nil {
		return Evaluation{}, errors.Wrap(err, "list discounts")
	}

	d := Select(candidates, s.now(), s.policy)
	return Evaluation{Discount: d, Result: Evaluate(unitPrice, quantity, d)}, nil
}

// RecordUsage appends usage rows. It joins the caller's transaction when ctx
// carries one.
func (s *Service) RecordUsage(ctx context.Context, usages ...Usage) error {
	if len(usages) == 0 {
		return nil
	}
	now := s.now()
	for i := range usages {
		if usages[i].ID == "" {
			usages[i].ID = uuid.New().String()
		}
		if usages[i].CreatedAt.IsZero() {
			usages[i].CreatedAt = now
		}
	}
	if err := s.repo.AppendUsage(ctx, usages...); err != nil {
		return errors.Wrap(err, "append discount usage")
	}
	return nil
}

// Create validates and stores a new Active discount.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Discount, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	d := Discount{
		ID:             uuid.New().String(),
		StoreID:        req.StoreID,
		ProductID:      req.ProductID,
		Type:           req.Type,
		Value:          req.Value,
		MinPurchase:    req.MinPurchase,
		MaxDiscountCap: req.MaxDiscountCap,
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		State:          Active,
		CreatedAt:      s.now(),
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, errors.Wrap(err, "create discount")
	}
	return &d, nil
}

// Retire moves a discount to Retired. Retiring twice is a conflict.
func (s *Service) Retire(ctx context.Context, id string) (*Discount, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.State == Retired {
		return nil, failure.Conflict("discount %s is already retired", id)
	}

	at := s.now()
	if err := s.repo.Retire(ctx, id, at); err != nil {
		return nil, errors.Wrap(err, "retire discount")
	}
	d.State = Retired
	d.RetiredAt = &at
	return d, nil
}

// Get returns a discount by id.
func (s *Service) Get(ctx context.Context, id string) (*Discount, error) {
	return s.repo.GetByID(ctx, id)
}

func validateCreate(req CreateRequest) error {
	if req.StoreID == "" || req.ProductID == "" {
		return failure.Validation("store id and product id are required")
	}
	switch req.Type {
	case Percentage:
		if req.Value.GreaterThan(hundred) {
			return failure.Validation("percentage discount must not exceed 100")
		}
	case Fixed:
	default:
		return failure.Validation("unknown discount type %q", req.Type)
	}
	if !req.Value.IsPositive() {
		return failure.Validation("discount value must be greater than 0")
	}
	if req.MinPurchase.IsNegative() || req.MaxDiscountCap.IsNegative() {
		return failure.Validation("min purchase and max discount cap must not be negative")
	}
	if req.StartDate.IsZero() {
		return failure.Validation("start date is required")
	}
	if !req.EndDate.IsZero() && !req.EndDate.After(req.StartDate) {
		return failure.Validation("end date must be after start date")
	}
	return nil
}
