package dispatch

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eastrift/fleet-dispatch/internal/geo"
	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/eastrift/fleet-dispatch/pkg/middleware"
	"github.com/eastrift/fleet-dispatch/pkg/models"
)

const defaultNearbyRadiusMeters = 5000

// Handler exposes the dispatch core over HTTP.
type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes mounts the ride and driver-facing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	rides := r.Group("/rides")
	{
		rides.POST("", middleware.RequireRole(middleware.RolePassenger, middleware.RoleAdmin), h.SubmitRide)
		rides.GET("/:id", h.GetOrder)
		rides.POST("/:id/accept", middleware.RequireRole(middleware.RoleDriver), h.AcceptOffer)
		rides.POST("/:id/reject", middleware.RequireRole(middleware.RoleDriver), h.RejectOffer)
		rides.POST("/:id/advance", middleware.RequireRole(middleware.RoleDriver), h.AdvanceTrip)
		rides.POST("/:id/cancel", h.CancelOrder)
		rides.POST("/:id/rate", middleware.RequireRole(middleware.RolePassenger, middleware.RoleAdmin), h.RateOrder)
	}
	r.GET("/drivers/nearby", h.NearbyDrivers)
	r.GET("/zones/:name/status", h.ZoneStatus)
}

// SubmitRide admits a ride request and returns the created order along with
// the first wave's recipients.
func (h *Handler) SubmitRide(c *gin.Context) {
	var req models.RideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.AppErrorResponse(c, common.NewValidationError(common.CodeMissingFields, "invalid ride request body"))
		return
	}

	order, recipients, err := h.orch.SubmitRide(c.Request.Context(), &req)
	if err != nil {
		var queued *QueuedError
		if errors.As(err, &queued) {
			c.JSON(http.StatusConflict, common.Response{
				Success: false,
				Code:    common.CodeQueued,
				Message: "zone is full, request queued",
				Data:    gin.H{"position": queued.Position},
			})
			return
		}
		common.RespondError(c, err)
		return
	}

	offeredTo := make([]string, 0, len(recipients))
	for _, id := range recipients {
		offeredTo = append(offeredTo, id.String())
	}
	common.SuccessResponse(c, gin.H{
		"order":       order,
		"offeredTo":   offeredTo,
		"batchNumber": order.DispatchBatch,
		"message":     "searching for a driver",
	})
}

func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	order, err := h.orch.store.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		common.RespondError(c, err)
		return
	}
	if order == nil {
		common.AppErrorResponse(c, common.NewNotFoundError("order not found"))
		return
	}
	common.SuccessResponse(c, order)
}

// AcceptOffer is the driver's claim in the acceptance race.
func (h *Handler) AcceptOffer(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	driverID, err := middleware.SessionID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "invalid session")
		return
	}

	order, err := h.orch.AcceptOffer(c.Request.Context(), orderID, driverID)
	if err != nil {
		common.RespondError(c, err)
		return
	}
	common.SuccessResponse(c, order)
}

func (h *Handler) RejectOffer(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	driverID, err := middleware.SessionID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "invalid session")
		return
	}

	var body struct {
		Reason models.RejectReason `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.orch.RejectOffer(c.Request.Context(), orderID, driverID, body.Reason); err != nil {
		common.RespondError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"message": "rejection recorded"})
}

// AdvanceTrip moves an order along the trip path. SETTLING requires the
// meter payload.
func (h *Handler) AdvanceTrip(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	driverID, err := middleware.SessionID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "invalid session")
		return
	}

	var body struct {
		To          models.OrderStatus `json:"to"`
		MeterAmount float64            `json:"meter_amount"`
		Distance    float64            `json:"distance"`
		Duration    int                `json:"duration"`
		PhotoURL    *string            `json:"photo_url"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.To == "" {
		common.AppErrorResponse(c, common.NewValidationError(common.CodeMissingFields, "target status is required"))
		return
	}

	var settlement *models.TripSettlement
	if body.MeterAmount > 0 {
		settlement = &models.TripSettlement{
			MeterAmount: body.MeterAmount,
			Distance:    body.Distance,
			Duration:    body.Duration,
			PhotoURL:    body.PhotoURL,
		}
	}

	order, err := h.orch.AdvanceTrip(c.Request.Context(), orderID, driverID, body.To, settlement)
	if err != nil {
		common.RespondError(c, err)
		return
	}
	common.SuccessResponse(c, order)
}

// CancelOrder accepts cancellations from any authenticated party; the
// orchestrator enforces ownership.
func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	actorID, err := middleware.SessionID(c)
	if err != nil {
		common.ErrorResponse(c, http.StatusUnauthorized, "invalid session")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "unspecified"
	}

	actor := actorKindOf(middleware.SessionRole(c.GetString("session_role")))
	if err := h.orch.CancelOrder(c.Request.Context(), orderID, actor, actorID, body.Reason); err != nil {
		common.RespondError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"message": "order cancelled"})
}

func (h *Handler) RateOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}
	var body struct {
		Rating int `json:"rating"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		common.AppErrorResponse(c, common.NewValidationError(common.CodeMissingFields, "rating is required"))
		return
	}
	if err := h.orch.RateOrder(c.Request.Context(), orderID, body.Rating); err != nil {
		common.RespondError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"message": "rating recorded"})
}

// NearbyDrivers returns the passenger-visible AVAILABLE set around a point.
func (h *Handler) NearbyDrivers(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		common.AppErrorResponse(c, common.NewValidationError(common.CodeMissingFields, "lat and lng are required"))
		return
	}
	radiusM := float64(defaultNearbyRadiusMeters)
	if v, err := strconv.ParseFloat(c.Query("radius"), 64); err == nil && v > 0 {
		radiusM = v
	}

	snaps := h.orch.registry.QueryNearby(c.Request.Context(), lat, lng, radiusM/1000)
	out := make([]gin.H, 0, len(snaps))
	for _, snap := range snaps {
		driver, err := h.orch.store.GetDriver(c.Request.Context(), snap.DriverID)
		if err != nil || driver == nil || driver.IsBlocked {
			continue
		}
		distanceKm := geo.DistanceKm(lat, lng, snap.Location.Latitude, snap.Location.Longitude)
		est := h.orch.etaSvc.Lookup(c.Request.Context(),
			models.GeoPoint{Latitude: snap.Location.Latitude, Longitude: snap.Location.Longitude},
			models.GeoPoint{Latitude: lat, Longitude: lng},
		)
		out = append(out, gin.H{
			"driverId": snap.DriverID.String(),
			"name":     driver.Name,
			"plate":    driver.Plate,
			"location": snap.Location,
			"rating":   driver.Rating,
			"distance": distanceKm,
			"eta":      est.DurationSeconds,
		})
	}
	common.SuccessResponse(c, out)
}

// ZoneStatus exposes a zone's live counter, surge, and queue depth.
func (h *Handler) ZoneStatus(c *gin.Context) {
	status, ok := h.orch.zones.Status(c.Param("name"))
	if !ok {
		common.AppErrorResponse(c, common.NewNotFoundError("unknown zone"))
		return
	}
	common.SuccessResponse(c, status)
}

func (h *Handler) orderID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.AppErrorResponse(c, common.NewValidationError(common.CodeMissingFields, "invalid order id"))
		return uuid.Nil, false
	}
	return id, true
}

func actorKindOf(role middleware.SessionRole) ActorKind {
	switch role {
	case middleware.RoleDriver:
		return ActorDriver
	case middleware.RoleAdmin:
		return ActorAdmin
	default:
		return ActorPassenger
	}
}
