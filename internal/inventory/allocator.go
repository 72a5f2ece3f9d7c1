package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/config"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/domain"
	"github.com/techfiniftysoftwares/pos-backend-sub000/internal/xid"
)

const moduleName = "inventory"

// Writer is the locked write surface the allocator needs. The caller must
// hold row locks on the stock and all of its batches.
type Writer interface {
	UpdateStock(ctx context.Context, stock domain.Stock) error
	UpdateBatchRemaining(ctx context.Context, batchID string, remaining decimal.Decimal) error
	InsertStockBatch(ctx context.Context, batch domain.StockBatch) error
	InsertStockMovement(ctx context.Context, movement domain.StockMovement) error
}

// Reference identifies the transaction causing a quantity change.
type Reference struct {
	Type    string
	ID      string
	ActorID string
	At      time.Time
}

type Deduction struct {
	BatchID   string
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
	Remaining decimal.Decimal
}

type Allocation struct {
	StockID          string
	Quantity         decimal.Decimal
	TotalCost        decimal.Decimal
	WeightedUnitCost decimal.Decimal
	Deductions       []Deduction
	Stock            domain.Stock
	Movement         domain.StockMovement
}

type Allocator struct {
	logger *logrus.Logger
}

func NewAllocator(logger *logrus.Logger) *Allocator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Allocator{logger: logger}
}

// Allocate consumes batches oldest-received first until qty is satisfied,
// writes the new remaining quantities and stock level, and appends one sale
// movement carrying the weighted unit cost.
func (a *Allocator) Allocate(ctx context.Context, w Writer, stock domain.Stock, batches []domain.StockBatch, qty decimal.Decimal, ref Reference) (Allocation, error) {
	if !qty.IsPositive() {
		return Allocation{}, domain.Fail(domain.ErrInvalidInput, "quantity must be greater than zero",
			"stock_id", stock.ID, "quantity", qty.String())
	}

	batchSum := SumRemaining(batches)
	if !batchSum.Equal(stock.Quantity) {
		return Allocation{}, a.integrityFault("Allocate", "batch sum disagrees with stock quantity", stock,
			"batch_sum", batchSum.String(), "stock_quantity", stock.Quantity.String())
	}

	if stock.Available().LessThan(qty) {
		return Allocation{}, domain.Fail(domain.ErrInsufficientStock, "not enough stock on hand",
			"product_id", stock.ProductID, "requested", qty.String(), "available", stock.Available().String())
	}

	ordered := OldestFirst(batches)
	needed := qty
	totalCost := decimal.Zero
	deductions := make([]Deduction, 0, 2)
	for _, batch := range ordered {
		if !needed.IsPositive() {
			break
		}
		if !batch.QuantityRemaining.IsPositive() {
			continue
		}

		take := decimal.Min(batch.QuantityRemaining, needed)
		remaining := batch.QuantityRemaining.Sub(take)
		totalCost = totalCost.Add(take.Mul(batch.UnitCost))
		needed = needed.Sub(take)
		deductions = append(deductions, Deduction{
			BatchID:   batch.ID,
			Quantity:  take,
			UnitCost:  batch.UnitCost,
			Remaining: remaining,
		})
	}
	if needed.IsPositive() {
		return Allocation{}, a.integrityFault("Allocate", "cost layers exhausted before quantity satisfied", stock,
			"requested", qty.String(), "still_needed", needed.String())
	}

	for _, ded := range deductions {
		if err := w.UpdateBatchRemaining(ctx, ded.BatchID, ded.Remaining); err != nil {
			return Allocation{}, fmt.Errorf("update batch %s: %w", ded.BatchID, err)
		}
	}

	weighted := domain.RoundCost(totalCost.Div(qty))
	updated := stock
	updated.Quantity = stock.Quantity.Sub(qty)
	if err := w.UpdateStock(ctx, updated); err != nil {
		return Allocation{}, fmt.Errorf("update stock %s: %w", stock.ID, err)
	}

	movement := domain.StockMovement{
		ID:               xid.New("mov"),
		StockID:          stock.ID,
		ProductID:        stock.ProductID,
		BranchID:         stock.BranchID,
		Type:             domain.MovementTypeSale,
		Quantity:         qty.Neg(),
		PreviousQuantity: stock.Quantity,
		NewQuantity:      updated.Quantity,
		UnitCost:         weighted,
		ReferenceType:    ref.Type,
		ReferenceID:      ref.ID,
		CreatedBy:        ref.ActorID,
		CreatedAt:        ref.At,
	}
	if err := w.InsertStockMovement(ctx, movement); err != nil {
		return Allocation{}, fmt.Errorf("insert movement for stock %s: %w", stock.ID, err)
	}

	return Allocation{
		StockID:          stock.ID,
		Quantity:         qty,
		TotalCost:        totalCost,
		WeightedUnitCost: weighted,
		Deductions:       deductions,
		Stock:            updated,
		Movement:         movement,
	}, nil
}

// Restore puts qty back on the stock aggregate after a cancellation. The
// consumed layers are not replayed; the units re-enter as one new batch at
// unitCost so the batch sum keeps matching the stock quantity.
func (a *Allocator) Restore(ctx context.Context, w Writer, stock domain.Stock, qty decimal.Decimal, unitCost decimal.Decimal, ref Reference) (domain.Stock, domain.StockMovement, error) {
	if !qty.IsPositive() {
		return domain.Stock{}, domain.StockMovement{}, domain.Fail(domain.ErrInvalidInput, "restored quantity must be greater than zero",
			"stock_id", stock.ID, "quantity", qty.String())
	}

	batch := domain.StockBatch{
		ID:                xid.New("batch"),
		StockID:           stock.ID,
		ReceivedAt:        ref.At,
		Quantity:          qty,
		QuantityRemaining: qty,
		UnitCost:          unitCost,
		SourceType:        domain.BatchSourceRestoration,
		SourceID:          ref.ID,
	}
	if err := w.InsertStockBatch(ctx, batch); err != nil {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("insert restoration batch for stock %s: %w", stock.ID, err)
	}

	updated := stock
	updated.Quantity = stock.Quantity.Add(qty)
	if err := w.UpdateStock(ctx, updated); err != nil {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("update stock %s: %w", stock.ID, err)
	}

	movement := domain.StockMovement{
		ID:               xid.New("mov"),
		StockID:          stock.ID,
		ProductID:        stock.ProductID,
		BranchID:         stock.BranchID,
		Type:             domain.MovementTypeRestoration,
		Quantity:         qty,
		PreviousQuantity: stock.Quantity,
		NewQuantity:      updated.Quantity,
		UnitCost:         unitCost,
		ReferenceType:    ref.Type,
		ReferenceID:      ref.ID,
		CreatedBy:        ref.ActorID,
		CreatedAt:        ref.At,
	}
	if err := w.InsertStockMovement(ctx, movement); err != nil {
		return domain.Stock{}, domain.StockMovement{}, fmt.Errorf("insert movement for stock %s: %w", stock.ID, err)
	}

	return updated, movement, nil
}

func (a *Allocator) integrityFault(funcName string, message string, stock domain.Stock, details ...string) error {
	details = append(details, "stock_id", stock.ID, "product_id", stock.ProductID, "branch_id", stock.BranchID)
	failure := domain.Fail(domain.ErrIntegrity, message, details...)
	config.LogError(a.logger, moduleName, funcName, message, failure.Details, failure)
	return failure
}

// SumRemaining totals quantity_remaining across batches.
func SumRemaining(batches []domain.StockBatch) decimal.Decimal {
	sum := decimal.Zero
	for _, b := range batches {
		sum = sum.Add(b.QuantityRemaining)
	}
	return sum
}

// OldestFirst returns a copy ordered by received date, oldest first. Ties
// keep a stable order by batch id.
func OldestFirst(batches []domain.StockBatch) []domain.StockBatch {
	ordered := make([]domain.StockBatch, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})
	return ordered
}
