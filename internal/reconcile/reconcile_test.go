package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdvcaixa/backend/internal/domain"
)

type fakeWriter struct {
	items   map[string]domain.SaleItem
	order   []string
	seq     int
	creates int
	updates int
	deletes int
	failOn  map[string]error
}

func newFakeWriter(existing ...domain.SaleItem) *fakeWriter {
	w := &fakeWriter{items: map[string]domain.SaleItem{}, failOn: map[string]error{}}
	for _, item := range existing {
		w.items[item.ID] = item
		w.order = append(w.order, item.ID)
	}
	return w
}

func (w *fakeWriter) CreateSaleItem(_ context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	if err := w.failOn[item.Key()]; err != nil {
		return nil, err
	}
	w.seq++
	item.ID = fmt.Sprintf("new-%d", w.seq)
	w.items[item.ID] = item
	w.order = append(w.order, item.ID)
	w.creates++
	return &item, nil
}

func (w *fakeWriter) UpdateSaleItem(_ context.Context, item domain.SaleItem) error {
	if err := w.failOn[item.Key()]; err != nil {
		return err
	}
	w.items[item.ID] = item
	w.updates++
	return nil
}

func (w *fakeWriter) DeleteSaleItem(_ context.Context, _ string, itemID string) error {
	if err := w.failOn[w.items[itemID].Key()]; err != nil {
		return err
	}
	delete(w.items, itemID)
	w.deletes++
	return nil
}

func (w *fakeWriter) persisted() []domain.SaleItem {
	out := []domain.SaleItem{}
	for _, id := range w.order {
		if item, ok := w.items[id]; ok {
			out = append(out, item)
		}
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func item(id, productID, description, qty, price, discount string) domain.SaleItem {
	return domain.SaleItem{
		ID:          id,
		SaleID:      "sale-1",
		ProductID:   productID,
		Description: description,
		Quantity:    dec(qty),
		UnitPrice:   dec(price),
		Discount:    dec(discount),
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter()
	desired := []domain.SaleItem{
		item("", "p-1", "Widget", "2", "50.00", "10.00"),
		item("", "", "Labor hour", "1.5", "80.00", "0"),
	}

	first := Reconcile(ctx, w, "sale-1", w.persisted(), desired)
	require.NoError(t, first.Err())
	assert.Equal(t, 2, first.Created)

	second := Reconcile(ctx, w, "sale-1", w.persisted(), desired)
	require.NoError(t, second.Err())
	assert.Equal(t, 0, second.Writes())
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, 2, w.creates)
	assert.Zero(t, w.updates)
	assert.Zero(t, w.deletes)
}

func TestPlanUpdatesDeletesAndCreates(t *testing.T) {
	persisted := []domain.SaleItem{
		item("i-1", "p-1", "Widget", "2", "50.00", "0"),
		item("i-2", "p-2", "Gadget", "1", "10.00", "0"),
		item("i-3", "p-3", "Gizmo", "1", "5.00", "0"),
	}
	desired := []domain.SaleItem{
		item("", "p-1", "Widget", "3", "50.00", "0"),
		item("", "p-3", "Gizmo", "1", "5.00", "0"),
		item("", "", "Cable", "1", "12.00", "0"),
	}

	changes := Plan(persisted, desired)
	require.Len(t, changes.Updates, 1)
	assert.Equal(t, "i-1", changes.Updates[0].ID)
	assert.True(t, changes.Updates[0].Quantity.Equal(dec("3")))
	require.Len(t, changes.Deletes, 1)
	assert.Equal(t, "i-2", changes.Deletes[0].ID)
	require.Len(t, changes.Creates, 1)
	assert.Equal(t, "Cable", changes.Creates[0].Description)
	assert.Equal(t, 1, changes.Unchanged)
}

func TestPlanIgnoresDifferencesWithinTolerance(t *testing.T) {
	persisted := []domain.SaleItem{item("i-1", "p-1", "Widget", "2", "50.00", "1.00")}
	desired := []domain.SaleItem{item("", "p-1", "Widget", "2.0001", "50.001", "1.004")}

	assert.True(t, Plan(persisted, desired).Empty())
}

func TestPlanDetectsOneCentChange(t *testing.T) {
	persisted := []domain.SaleItem{item("i-1", "p-1", "Widget", "2", "50.00", "0")}
	desired := []domain.SaleItem{item("", "p-1", "Widget", "2", "50.01", "0")}

	changes := Plan(persisted, desired)
	require.Len(t, changes.Updates, 1)
	assert.True(t, changes.Updates[0].UnitPrice.Equal(dec("50.01")))
}

func TestPlanMergesDesiredLinesWithSameKey(t *testing.T) {
	desired := []domain.SaleItem{
		item("", "p-1", "Widget", "1", "50.00", "2.00"),
		item("", "p-1", "Widget (promo)", "2", "45.00", "3.00"),
	}

	changes := Plan(nil, desired)
	require.Len(t, changes.Creates, 1)
	merged := changes.Creates[0]
	assert.True(t, merged.Quantity.Equal(dec("3")))
	assert.True(t, merged.Discount.Equal(dec("5")))
	assert.True(t, merged.UnitPrice.Equal(dec("50")), "first price wins")
}

func TestPlanRemovesPersistedDuplicates(t *testing.T) {
	persisted := []domain.SaleItem{
		item("i-1", "p-1", "Widget", "2", "50.00", "0"),
		item("i-2", "p-1", "Widget", "2", "50.00", "0"),
		item("i-3", "p-9", "Old", "1", "1.00", "0"),
		item("i-4", "p-9", "Old", "1", "1.00", "0"),
	}
	desired := []domain.SaleItem{item("", "p-1", "Widget", "2", "50.00", "0")}

	changes := Plan(persisted, desired)
	ids := []string{}
	for _, d := range changes.Deletes {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"i-2", "i-3", "i-4"}, ids)
	assert.Empty(t, changes.Creates)
	assert.Empty(t, changes.Updates)
}

func TestApplyCollectsFailuresWithoutRollback(t *testing.T) {
	ctx := context.Background()
	w := newFakeWriter(item("i-1", "p-1", "Widget", "1", "50.00", "0"))
	boom := errors.New("connection reset")
	w.failOn[domain.LineKey("", "", "", "Cable")] = boom

	desired := []domain.SaleItem{
		item("", "p-1", "Widget", "2", "50.00", "0"),
		item("", "", "Cable", "1", "12.00", "0"),
		item("", "", "Plug", "1", "3.00", "0"),
	}
	res := Reconcile(ctx, w, "sale-1", w.persisted(), desired)

	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, ActionCreate, res.Failures[0].Action)
	assert.ErrorIs(t, res.Err(), boom)

	delete(w.failOn, domain.LineKey("", "", "", "Cable"))
	retry := Reconcile(ctx, w, "sale-1", w.persisted(), desired)
	require.NoError(t, retry.Err())
	assert.Equal(t, 1, retry.Created)
	assert.Equal(t, 2, retry.Unchanged)
}

func TestApplyStopsWritingWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := newFakeWriter()

	res := Reconcile(ctx, w, "sale-1", nil, []domain.SaleItem{item("", "p-1", "Widget", "1", "1", "0")})
	assert.Zero(t, res.Writes())
	assert.ErrorIs(t, res.Err(), context.Canceled)
	assert.Zero(t, w.creates)
}
