package venue

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-engine/internal/retry"
	"github.com/ksred/trading-engine/internal/types"
)

// FaultMode controls how the mock venue fails a call.
type FaultMode int

const (
	FaultNone     FaultMode = iota
	FaultTimeout            // transport-level timeout, no response observed
	FaultStatus             // HTTP error status without side effects
	FaultLostAck            // the write lands, then the response is lost
)

// Fault is an injected failure for one operation name. Remaining counts down
// per call; once it reaches zero the operation behaves normally again.
type Fault struct {
	Mode       FaultMode
	StatusCode int
	RetryAfter time.Duration
	Remaining  int
}

// MockVenue is an in-memory venue used by cmd/simulation and by tests. It
// keeps full order books per symbol, simulates latency, and supports fault
// injection including the "write landed but the response was lost" case that
// drives the engine's uncertain path.
type MockVenue struct {
	mu sync.Mutex

	orders   map[string]*types.OrderSnapshot // by exchange order id
	byCID    map[string]string               // client order id -> exchange order id
	balances map[string]float64
	faults   map[string]*Fault

	nextID      int64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	submitCalls int
	cancelCalls int
}

func NewMockVenue() *MockVenue {
	return &MockVenue{
		orders:   make(map[string]*types.OrderSnapshot),
		byCID:    make(map[string]string),
		balances: make(map[string]float64),
		faults:   make(map[string]*Fault),
		nextID:   1000,
	}
}

// SetBalance sets the free balance for one asset.
func (m *MockVenue) SetBalance(asset string, free float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = free
}

// InjectFault arms a fault for the named operation ("submit", "cancel",
// "open_orders", "all_orders", "get_order", "balances").
func (m *MockVenue) InjectFault(op string, fault Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := fault
	m.faults[op] = &f
}

// SubmitCalls returns how many submit calls reached the venue, including ones
// whose acknowledgement was lost. This is the number the at-most-once tests
// assert on.
func (m *MockVenue) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

// CancelCalls returns how many cancel calls reached the venue.
func (m *MockVenue) CancelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls
}

// Resolve force-sets an order's status, simulating venue-side progress
// (fills, cancels) between engine cycles.
func (m *MockVenue) Resolve(orderID string, status types.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.Status = status
		o.UpdatedAt = time.Now().UTC()
	}
}

// takeFault pops one armed fault charge for op, or nil.
func (m *MockVenue) takeFault(op string) *Fault {
	f, ok := m.faults[op]
	if !ok || f.Remaining <= 0 {
		return nil
	}
	f.Remaining--
	if f.Remaining == 0 {
		delete(m.faults, op)
	}
	return f
}

func (m *MockVenue) faultError(op string, f *Fault) error {
	switch f.Mode {
	case FaultTimeout:
		return &retry.VenueError{Op: op, Err: errors.Wrap(context.DeadlineExceeded, "simulated timeout")}
	case FaultStatus:
		code := f.StatusCode
		if code == 0 {
			code = http.StatusInternalServerError
		}
		return &retry.VenueError{
			Op:         op,
			StatusCode: code,
			RetryAfter: f.RetryAfter,
			Err:        errors.Errorf("simulated status %d", code),
		}
	default:
		return nil
	}
}

func (m *MockVenue) simulateLatency() {
	if m.MaxLatency <= 0 {
		return
	}
	span := m.MaxLatency - m.MinLatency
	d := m.MinLatency
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	time.Sleep(d)
}

func (m *MockVenue) SubmitLimitOrder(ctx context.Context, req SubmitRequest) (*Ack, error) {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.takeFault("submit"); f != nil {
		if f.Mode != FaultLostAck {
			return nil, m.faultError("submit_limit_order", f)
		}
		// The write lands, then the wire drops: the caller sees a timeout
		// while the venue holds a live order.
		m.placeLocked(req)
		return nil, &retry.VenueError{
			Op:  "submit_limit_order",
			Err: errors.Wrap(context.DeadlineExceeded, "simulated ack loss"),
		}
	}

	snap := m.placeLocked(req)
	return &Ack{
		ExchangeOrderID: snap.OrderID,
		Status:          snap.Status,
		TransactTime:    snap.CreatedAt,
	}, nil
}

func (m *MockVenue) placeLocked(req SubmitRequest) *types.OrderSnapshot {
	m.submitCalls++
	m.nextID++
	now := time.Now().UTC()
	snap := &types.OrderSnapshot{
		OrderID:       fmt.Sprintf("EX-%d", m.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        types.OrderStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.orders[snap.OrderID] = snap
	if req.ClientOrderID != "" {
		m.byCID[req.ClientOrderID] = snap.OrderID
	}
	log.Debug().
		Str("component", "mock_venue").
		Str("order_id", snap.OrderID).
		Str("client_order_id", req.ClientOrderID).
		Msg("order placed")
	return snap
}

func (m *MockVenue) CancelOrderByExchangeID(ctx context.Context, orderID string) (bool, error) {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.takeFault("cancel"); f != nil {
		if f.Mode != FaultLostAck {
			return false, m.faultError("cancel_order", f)
		}
		m.cancelLocked(orderID)
		return false, &retry.VenueError{
			Op:  "cancel_order",
			Err: errors.Wrap(context.DeadlineExceeded, "simulated ack loss"),
		}
	}

	return m.cancelLocked(orderID), nil
}

func (m *MockVenue) cancelLocked(orderID string) bool {
	m.cancelCalls++
	o, ok := m.orders[orderID]
	if !ok || o.Status.IsTerminal() {
		return false
	}
	o.Status = types.OrderStatusCanceled
	o.UpdatedAt = time.Now().UTC()
	return true
}

func (m *MockVenue) CancelOrderByClientOrderID(ctx context.Context, clientOrderID string) (bool, error) {
	m.mu.Lock()
	id, ok := m.byCID[clientOrderID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return m.CancelOrderByExchangeID(ctx, id)
}

func (m *MockVenue) GetOpenOrders(ctx context.Context, symbol string) (*OpenOrders, error) {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.takeFault("open_orders"); f != nil {
		return nil, m.faultError("get_open_orders", f)
	}

	out := &OpenOrders{}
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Status.IsTerminal() {
			continue
		}
		if o.Side == types.SideBuy {
			out.Bids = append(out.Bids, *o)
		} else {
			out.Asks = append(out.Asks, *o)
		}
	}
	return out, nil
}

func (m *MockVenue) GetAllOrders(ctx context.Context, symbol string, startMs, endMs int64) ([]types.OrderSnapshot, error) {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.takeFault("all_orders"); f != nil {
		return nil, m.faultError("get_all_orders", f)
	}

	var out []types.OrderSnapshot
	for _, o := range m.orders {
		if o.Symbol != symbol {
			continue
		}
		ts := o.CreatedAt.UnixMilli()
		if ts < startMs || ts > endMs {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (m *MockVenue) GetOrder(ctx context.Context, orderID string) (*types.OrderSnapshot, error) {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.takeFault("get_order"); f != nil {
		return nil, m.faultError("get_order", f)
	}

	o, ok := m.orders[orderID]
	if !ok {
		return nil, &retry.VenueError{
			Op:         "get_order",
			StatusCode: http.StatusNotFound,
			Err:        errors.Errorf("order %s not found", orderID),
		}
	}
	snap := *o
	return &snap, nil
}

func (m *MockVenue) GetBalances(ctx context.Context) ([]types.Balance, error) {
	m.simulateLatency()
	m.mu.Lock()
	defer m.mu.Unlock()

	if f := m.takeFault("balances"); f != nil {
		return nil, m.faultError("get_balances", f)
	}

	out := make([]types.Balance, 0, len(m.balances))
	for asset, free := range m.balances {
		out = append(out, types.Balance{Asset: asset, Free: free})
	}
	return out, nil
}
