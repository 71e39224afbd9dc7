// Package reconcile converges the persisted items of a draft sale to the
// lines of a cart with the minimal set of writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"pdvcaixa/backend/internal/domain"
)

// Writer persists single sale items. Implementations must refuse writes when
// the sale is no longer a draft.
type Writer interface {
	CreateSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error)
	UpdateSaleItem(ctx context.Context, item domain.SaleItem) error
	DeleteSaleItem(ctx context.Context, saleID string, itemID string) error
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Changes is the delta between persisted items and the desired cart. Updates
// carry the persisted item id with the desired values.
type Changes struct {
	Creates   []domain.SaleItem
	Updates   []domain.SaleItem
	Deletes   []domain.SaleItem
	Unchanged int
}

func (c Changes) Writes() int {
	return len(c.Creates) + len(c.Updates) + len(c.Deletes)
}

func (c Changes) Empty() bool {
	return c.Writes() == 0
}

type Failure struct {
	Action Action
	Key    string
	ItemID string
	Err    error
}

func (f Failure) Error() string {
	if f.ItemID != "" {
		return fmt.Sprintf("%s item %s (%s): %v", f.Action, f.ItemID, f.Key, f.Err)
	}
	return fmt.Sprintf("%s item (%s): %v", f.Action, f.Key, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

type Result struct {
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Deleted   int       `json:"deleted"`
	Unchanged int       `json:"unchanged"`
	Failures  []Failure `json:"-"`
}

func (r Result) Writes() int {
	return r.Created + r.Updated + r.Deleted
}

// Err joins the per-line failures, or returns nil when every write landed.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Plan diffs persisted against desired without side effects. Desired lines
// sharing an identity key are merged first (quantities and discounts summed,
// the first unit price kept) so one key never yields two persisted lines.
func Plan(persisted []domain.SaleItem, desired []domain.SaleItem) Changes {
	merged := mergeByKey(desired)

	current := make(map[string]domain.SaleItem, len(persisted))
	var changes Changes
	for _, item := range persisted {
		key := item.Key()
		if _, dup := current[key]; dup {
			changes.Deletes = append(changes.Deletes, item)
			continue
		}
		current[key] = item
	}

	wanted := make(map[string]struct{}, len(merged))
	for _, want := range merged {
		key := want.Key()
		wanted[key] = struct{}{}
		have, ok := current[key]
		if !ok {
			changes.Creates = append(changes.Creates, want)
			continue
		}
		if differs(have, want) {
			want.ID = have.ID
			want.SaleID = have.SaleID
			changes.Updates = append(changes.Updates, want)
			continue
		}
		changes.Unchanged++
	}

	for _, item := range persisted {
		if _, ok := wanted[item.Key()]; ok {
			continue
		}
		if kept, ok := current[item.Key()]; ok && kept.ID != item.ID {
			// already queued as a duplicate
			continue
		}
		changes.Deletes = append(changes.Deletes, item)
	}
	return changes
}

// Apply executes changes for saleID. Failed lines are collected and the
// remaining lines are still attempted; nothing is rolled back.
func Apply(ctx context.Context, w Writer, saleID string, changes Changes) Result {
	res := Result{Unchanged: changes.Unchanged}

	for _, item := range changes.Deletes {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, Failure{Action: ActionDelete, Key: item.Key(), ItemID: item.ID, Err: err})
			continue
		}
		if err := w.DeleteSaleItem(ctx, saleID, item.ID); err != nil {
			res.Failures = append(res.Failures, Failure{Action: ActionDelete, Key: item.Key(), ItemID: item.ID, Err: err})
			continue
		}
		res.Deleted++
	}

	for _, item := range changes.Updates {
		item.SaleID = saleID
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, Failure{Action: ActionUpdate, Key: item.Key(), ItemID: item.ID, Err: err})
			continue
		}
		if err := w.UpdateSaleItem(ctx, item); err != nil {
			res.Failures = append(res.Failures, Failure{Action: ActionUpdate, Key: item.Key(), ItemID: item.ID, Err: err})
			continue
		}
		res.Updated++
	}

	for _, item := range changes.Creates {
		item.SaleID = saleID
		item.ID = ""
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, Failure{Action: ActionCreate, Key: item.Key(), Err: err})
			continue
		}
		if _, err := w.CreateSaleItem(ctx, item); err != nil {
			res.Failures = append(res.Failures, Failure{Action: ActionCreate, Key: item.Key(), Err: err})
			continue
		}
		res.Created++
	}

	return res
}

// Reconcile is Plan followed by Apply. Calling it again with the same cart
// performs no writes.
func Reconcile(ctx context.Context, w Writer, saleID string, persisted []domain.SaleItem, desired []domain.SaleItem) Result {
	return Apply(ctx, w, saleID, Plan(persisted, desired))
}

func mergeByKey(items []domain.SaleItem) []domain.SaleItem {
	index := make(map[string]int, len(items))
	out := make([]domain.SaleItem, 0, len(items))
	for _, item := range items {
		item.Quantity = domain.RoundQuantity(item.Quantity)
		item.UnitPrice = domain.RoundMoney(item.UnitPrice)
		item.Discount = domain.RoundMoney(item.Discount)
		key := item.Key()
		if i, ok := index[key]; ok {
			out[i].Quantity = out[i].Quantity.Add(item.Quantity)
			out[i].Discount = out[i].Discount.Add(item.Discount)
			out[i].StockTracked = out[i].StockTracked || item.StockTracked
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out
}

func differs(have, want domain.SaleItem) bool {
	if !domain.WithinTolerance(have.Quantity, want.Quantity, domain.QuantityTolerance) {
		return true
	}
	if !domain.WithinTolerance(have.UnitPrice, want.UnitPrice, domain.MoneyTolerance) {
		return true
	}
	return !domain.WithinTolerance(have.Discount, want.Discount, domain.MoneyTolerance)
}
