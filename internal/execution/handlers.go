package execution

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/types"
	"github.com/ksred/trading-engine/internal/unknown"
	"github.com/ksred/trading-engine/pkg/response"
)

// GinHandlers exposes the operator API: ledger inspection, unknown-order
// visibility, and the control toggles. It never submits orders; submission
// happens only through orchestration cycles.
type GinHandlers struct {
	orch     *Orchestrator
	orders   *ledger.Database
	registry *unknown.Registry
	controls *Controls
}

func NewGinHandlers(orch *Orchestrator, orders *ledger.Database, registry *unknown.Registry, controls *Controls) *GinHandlers {
	return &GinHandlers{
		orch:     orch,
		orders:   orders,
		registry: registry,
		controls: controls,
	}
}

// GetOrderHandler handles GET requests for a single order by order id or
// client order id.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.orders.Get(orderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if order == nil {
			order, err = h.orders.GetByClientOrderID(orderID)
			if err != nil {
				response.InternalError(c, err.Error())
				return
			}
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// ListOrdersHandler handles GET requests for orders filtered by status.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := types.OrderStatus(c.Query("status"))
		if status == "" {
			response.BadRequest(c, "status query parameter is required")
			return
		}

		orders, err := h.orders.FindByStatus(status, 500)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, orders)
	}
}

// ListUnknownHandler handles GET requests for the unknown-order registry.
func (h *GinHandlers) ListUnknownHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{
			"frozen":  h.registry.HasUnknown(),
			"entries": h.registry.Entries(),
		})
	}
}

// ControlsRequest toggles one of the runtime controls.
type ControlsRequest struct {
	Control string `json:"control" binding:"required"`
	Enabled *bool  `json:"enabled" binding:"required"`
}

// SetControlHandler handles POST requests to flip safe mode, the kill
// switch, or dry run at runtime.
func (h *GinHandlers) SetControlHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ControlsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		switch req.Control {
		case "safe_mode":
			h.controls.SetSafeMode(*req.Enabled)
		case "kill_switch":
			h.controls.SetKillSwitch(*req.Enabled)
		case "dry_run":
			h.controls.SetDryRun(*req.Enabled)
		default:
			response.BadRequest(c, "unknown control: "+req.Control)
			return
		}

		response.Success(c, h.controlsState())
	}
}

// GetControlsHandler handles GET requests for the current control state.
func (h *GinHandlers) GetControlsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.controlsState())
	}
}

// PruneHandler handles POST requests to delete expired idempotency
// reservations.
func (h *GinHandlers) PruneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pruned, err := h.orch.idem.Prune()
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"pruned": pruned})
	}
}

// CancelOrderHandler handles POST requests to cancel a resting order.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		results := h.orch.CancelOrders(c.Request.Context(), "ops-"+time.Now().UTC().Format("20060102T150405Z"), []CancelTarget{
			{OrderID: orderID},
		})
		response.Success(c, results[0])
	}
}

// HealthHandler reports liveness plus the state operators check first.
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{
			"status":   "ok",
			"frozen":   h.registry.HasUnknown(),
			"controls": h.controlsState(),
		})
	}
}

func (h *GinHandlers) controlsState() gin.H {
	return gin.H{
		"safe_mode":   h.controls.SafeMode(),
		"kill_switch": h.controls.KillSwitch(),
		"dry_run":     h.controls.DryRun(),
	}
}
