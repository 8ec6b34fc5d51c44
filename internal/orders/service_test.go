package orders

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/internal/catalog"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
	pkgerrors "github.com/quangdang/credmarket-backend/pkg/errors"
	"github.com/quangdang/credmarket-backend/pkg/logger"
	"github.com/quangdang/credmarket-backend/pkg/queue"
)

type stubOrderRepo struct {
	created []*models.Order
	err     error
}

func (s *stubOrderRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubOrderRepo) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	order.ID = int64(len(s.created) + 1)
	s.created = append(s.created, order)
	return order, nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, id int64) (*models.Order, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *stubOrderRepo) MarkProcessing(ctx context.Context, id int64, payload json.RawMessage) error {
	return nil
}

func (s *stubOrderRepo) MarkCompleted(ctx context.Context, id int64) error { return nil }

func (s *stubOrderRepo) MarkFailed(ctx context.Context, id int64, reason string) error { return nil }

type stubCatalogRepo struct {
	variant *models.ProductVariant
	err     error
}

func (s *stubCatalogRepo) WithTx(tx *gorm.DB) catalog.Repository { return s }

func (s *stubCatalogRepo) FindVariant(ctx context.Context, id int64) (*models.ProductVariant, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.variant, nil
}

func (s *stubCatalogRepo) DecrementStock(ctx context.Context, id int64, quantity int) error {
	return nil
}

func (s *stubCatalogRepo) PlatformFeeFraction(ctx context.Context) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.05"), nil
}

type recordingPublisher struct {
	published []any
	err       error
}

func (r *recordingPublisher) PublishJSON(ctx context.Context, payload any) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.published = append(r.published, payload)
	return "msg-1", nil
}

func buildService(t *testing.T, repo *stubOrderRepo, catalogRepo *stubCatalogRepo, publisher *recordingPublisher) Service {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test"})
	svc, err := NewService(repo, catalogRepo, publisher, logg)
	require.NoError(t, err)
	return svc
}

func TestCreateOrderPricesAndPublishes(t *testing.T) {
	t.Parallel()

	repo := &stubOrderRepo{}
	catalogRepo := &stubCatalogRepo{variant: &models.ProductVariant{
		ID:    7,
		Price: decimal.RequireFromString("50000"),
		Stock: 5,
	}}
	publisher := &recordingPublisher{}
	svc := buildService(t, repo, catalogRepo, publisher)

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		AccountID:        10,
		ProductVariantID: 7,
		Quantity:         3,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPending, order.Status)
	assert.True(t, order.UnitPrice.Equal(decimal.RequireFromString("50000")))
	assert.True(t, order.TotalPrice.Equal(decimal.RequireFromString("150000")))

	require.Len(t, publisher.published, 1)
	msg, ok := publisher.published[0].(queue.OrderMessage)
	require.True(t, ok)
	assert.Equal(t, order.ID, msg.OrderID)
	assert.Equal(t, 3, msg.Quantity)
	assert.True(t, msg.TotalPrice.Equal(order.TotalPrice))
}

func TestCreateOrderValidatesInput(t *testing.T) {
	t.Parallel()

	svc := buildService(t, &stubOrderRepo{}, &stubCatalogRepo{}, &recordingPublisher{})

	cases := []CreateOrderInput{
		{AccountID: 0, ProductVariantID: 7, Quantity: 1},
		{AccountID: 10, ProductVariantID: 0, Quantity: 1},
		{AccountID: 10, ProductVariantID: 7, Quantity: 0},
		{AccountID: 10, ProductVariantID: 7, Quantity: -2},
	}
	for _, input := range cases {
		_, err := svc.CreateOrder(context.Background(), input)
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
	}
}

func TestCreateOrderRejectsInsufficientStock(t *testing.T) {
	t.Parallel()

	repo := &stubOrderRepo{}
	catalogRepo := &stubCatalogRepo{variant: &models.ProductVariant{
		ID:    7,
		Price: decimal.RequireFromString("50000"),
		Stock: 2,
	}}
	publisher := &recordingPublisher{}
	svc := buildService(t, repo, catalogRepo, publisher)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		AccountID:        10,
		ProductVariantID: 7,
		Quantity:         3,
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
	assert.Empty(t, repo.created, "no order persisted")
	assert.Empty(t, publisher.published)
}

func TestCreateOrderUnknownVariant(t *testing.T) {
	t.Parallel()

	catalogRepo := &stubCatalogRepo{err: gorm.ErrRecordNotFound}
	svc := buildService(t, &stubOrderRepo{}, catalogRepo, &recordingPublisher{})

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		AccountID:        10,
		ProductVariantID: 999,
		Quantity:         1,
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestCreateOrderPublishFailure(t *testing.T) {
	t.Parallel()

	repo := &stubOrderRepo{}
	catalogRepo := &stubCatalogRepo{variant: &models.ProductVariant{
		ID:    7,
		Price: decimal.RequireFromString("100"),
		Stock: 1,
	}}
	publisher := &recordingPublisher{err: errors.New("broker down")}
	svc := buildService(t, repo, catalogRepo, publisher)

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		AccountID:        10,
		ProductVariantID: 7,
		Quantity:         1,
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())
	assert.Len(t, repo.created, 1, "order stays pending for a later republish")
}
