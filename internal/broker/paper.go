package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Paper is an in-memory broker used by the simulation binary and tests. It
// fills market orders instantly at the posted price, keeps bracket/OCO legs
// in a live state until triggered or canceled, and tracks resulting
// positions the way the real positions endpoint would report them.
type Paper struct {
	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*Order
	orderSeq  []string
	positions map[string]*Position

	// FailCancels makes CancelOrder return an error, for exercising the
	// watchdog's failed-cancel retry path.
	FailCancels bool
}

func NewPaper() *Paper {
	return &Paper{
		prices:    make(map[string]float64),
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
	}
}

// SetPrice posts the current market price for a symbol.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// Price returns the posted market price for a symbol.
func (p *Paper) Price(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prices[symbol]
}

func (p *Paper) GetAccount(ctx context.Context) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := 100000.0
	for _, pos := range p.positions {
		equity += pos.Qty * p.prices[pos.Symbol]
	}
	return &Account{Equity: equity, BuyingPower: equity * 2, Cash: 100000}, nil
}

func (p *Paper) ListOpenPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (p *Paper) ListOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Order
	for i := len(p.orderSeq) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		order := p.orders[p.orderSeq[i]]
		switch status {
		case "open":
			if IsTerminal(order.Status) {
				continue
			}
		case "closed":
			if !IsTerminal(order.Status) {
				continue
			}
		}
		out = append(out, *order)
	}
	return out, nil
}

func (p *Paper) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("paper: no price posted for %s", symbol)
	}
	return price, nil
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailCancels {
		return fmt.Errorf("paper: cancel rejected for %s", orderID)
	}
	order, ok := p.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !IsTerminal(order.Status) {
		order.Status = "canceled"
	}
	return nil
}

func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	order := &Order{
		ID:            uuid.New().String(),
		ClientOrderID: uuid.New().String(),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Status:        "new",
		SubmittedAt:   now,
		OrderClass:    req.OrderClass,
	}

	// Market entries fill on submission at the posted price.
	if req.Type == "market" {
		price, ok := p.prices[req.Symbol]
		if !ok {
			return nil, fmt.Errorf("paper: no price posted for %s", req.Symbol)
		}
		order.Status = "filled"
		order.FilledQty = req.Qty
		order.FilledAvgPrice = price
		filled := now
		order.FilledAt = &filled
		p.applyFill(req.Symbol, req.Side, req.Qty, price)
	}

	// Protective legs stay live until triggered or canceled.
	if req.TakeProfit != nil {
		order.Legs = append(order.Legs, p.newLeg(req, "limit", req.TakeProfit.LimitPrice, 0, now))
	}
	if req.StopLoss != nil {
		order.Legs = append(order.Legs, p.newLeg(req, "stop", 0, req.StopLoss.StopPrice, now))
	}

	p.orders[order.ID] = order
	p.orderSeq = append(p.orderSeq, order.ID)
	for i := range order.Legs {
		leg := order.Legs[i]
		p.orders[leg.ID] = &order.Legs[i]
		p.orderSeq = append(p.orderSeq, leg.ID)
	}

	cp := *order
	return &cp, nil
}

func (p *Paper) newLeg(req OrderRequest, legType string, limitPrice, stopPrice float64, now time.Time) Order {
	side := SideSell
	if req.Side == SideSell {
		side = SideBuy
	}
	return Order{
		ID:          uuid.New().String(),
		Symbol:      req.Symbol,
		Side:        side,
		Type:        legType,
		Qty:         req.Qty,
		LimitPrice:  limitPrice,
		StopPrice:   stopPrice,
		Status:      "new",
		SubmittedAt: now,
	}
}

// ForceFill marks a live order filled at the given price and applies the
// fill to the tracked position, for driving exit scenarios.
func (p *Paper) ForceFill(orderID string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok || IsTerminal(order.Status) {
		return
	}
	now := time.Now()
	order.Status = StatusFilled
	order.FilledQty = order.Qty
	order.FilledAvgPrice = price
	order.FilledAt = &now
	p.applyFill(order.Symbol, order.Side, order.Qty, price)
}

// ForceOrderStatus overrides an order's status, for driving recovery
// scenarios from tests and the simulation.
func (p *Paper) ForceOrderStatus(orderID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if order, ok := p.orders[orderID]; ok {
		order.Status = status
	}
}

// ClosePosition drops a position from the broker view without a visible
// fill, mimicking a close that happened outside the order-status path.
func (p *Paper) ClosePosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, symbol)
}

// ImportPosition seeds a broker-side position the engine does not know
// about, mimicking a manual trade.
func (p *Paper) ImportPosition(symbol, side string, qty, avgEntry float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = &Position{Symbol: symbol, Side: side, Qty: qty, AvgEntryPrice: avgEntry}
}

func (p *Paper) applyFill(symbol, side string, qty, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		posSide := PositionSideLong
		if side == SideSell {
			posSide = PositionSideShort
		}
		p.positions[symbol] = &Position{Symbol: symbol, Side: posSide, Qty: qty, AvgEntryPrice: price}
		return
	}

	// A fill on the opposite side reduces and eventually closes.
	closing := (pos.Side == PositionSideLong && side == SideSell) ||
		(pos.Side == PositionSideShort && side == SideBuy)
	if closing {
		pos.Qty -= qty
		if pos.Qty <= 0 {
			delete(p.positions, symbol)
		}
		return
	}
	total := pos.Qty + qty
	pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + price*qty) / total
	pos.Qty = total
}
