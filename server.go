package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mobelwerk/logistics_backend/config"
	"bitbucket.org/mobelwerk/logistics_backend/middlewares"
	"bitbucket.org/mobelwerk/logistics_backend/models"
	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"bitbucket.org/mobelwerk/logistics_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("mobelwerk-logistics")

// tracingMiddleware opens one span per request; otelgorm picks it up from
// the request context so DB statements nest under it.
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		spanName := c.Request.Method + " " + c.FullPath()
		ctx, span := tracer.Start(c.Request.Context(), spanName)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, obj interface{}) bool {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"fields": utils.ProcessValidationErrors(err),
		})
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	return false
}

// requireBackoffice gates destructive endpoints to admins and the logistics
// desk. The auth middleware lets anonymous requests through; here they stop.
func requireBackoffice() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if isAdmin, found := utils.GetIsAdminFromContext(ctx); found && isAdmin {
			c.Next()
			return
		}
		if role, found := utils.GetUserRoleFromContext(ctx); found && strings.EqualFold(role, string(models.UserRoleLogistics)) {
			c.Next()
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "admin or logistics role required"})
		c.Abort()
	}
}

// respondError maps domain errors onto HTTP statuses. Anything that is not a
// known sentinel is treated as a user-correctable validation failure.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorDuplicateDelivery):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	}
}

func ok(c *gin.Context, payload interface{}) {
	c.JSON(http.StatusOK, payload)
}

func created(c *gin.Context, payload interface{}) {
	c.JSON(http.StatusCreated, payload)
}

func registerRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")

	api.POST("/clients", func(c *gin.Context) {
		var input models.NewClient
		if !bindJSON(c, &input) {
			return
		}
		client, err := models.CreateClient(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		created(c, client)
	})
	api.GET("/clients/:id", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		client, err := models.GetClient(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, client)
	})

	api.POST("/addresses", func(c *gin.Context) {
		var input models.NewAddress
		if !bindJSON(c, &input) {
			return
		}
		address, err := models.CreateAddress(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		created(c, address)
	})
	api.PUT("/addresses/:id", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input models.NewAddress
		if !bindJSON(c, &input) {
			return
		}
		address, err := models.UpdateAddress(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, address)
	})

	api.POST("/orders", func(c *gin.Context) {
		var input models.NewOrder
		if !bindJSON(c, &input) {
			return
		}
		order, err := models.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		created(c, order)
	})
	api.GET("/orders/:id", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		order, err := models.GetOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, order)
	})
	api.DELETE("/orders/:id", requireBackoffice(), func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		if err := models.DestroyOrder(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/order-items/:id/confirm", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		item, err := models.ConfirmOrderItem(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, item)
	})
	api.POST("/order-items/:id/unconfirm", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		item, err := models.UnconfirmOrderItem(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, item)
	})

	api.POST("/deliveries", func(c *gin.Context) {
		var input models.NewDelivery
		if !bindJSON(c, &input) {
			return
		}
		delivery, err := models.CreateDelivery(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		created(c, delivery)
	})
	api.GET("/deliveries/:id", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		delivery, err := models.GetDelivery(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, delivery)
	})
	api.POST("/deliveries/:id/approve", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		delivery, err := models.ApproveDelivery(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, delivery)
	})
	api.POST("/deliveries/:id/archive", requireBackoffice(), func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		if err := models.ArchiveDelivery(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.POST("/deliveries/:id/reschedule", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input workflow.RescheduleDeliveryInput
		if !bindJSON(c, &input) {
			return
		}
		input.DeliveryId = id
		target, err := workflow.RescheduleDelivery(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, target)
	})
	api.POST("/deliveries/:id/fail", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input struct {
			Reason string `json:"reason" binding:"required"`
		}
		if !bindJSON(c, &input) {
			return
		}
		clone, err := workflow.FailDelivery(c.Request.Context(), id, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, clone)
	})

	api.POST("/delivery-items/:id/status", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input struct {
			Status models.DeliveryItemStatus `json:"status" binding:"required"`
		}
		if !bindJSON(c, &input) {
			return
		}
		item, err := models.UpdateDeliveryItemStatus(c.Request.Context(), id, input.Status)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, item)
	})
	api.POST("/delivery-items/:id/delivered", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		item, err := models.MarkDeliveryItemAsDelivered(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, item)
	})
	api.POST("/delivery-items/:id/load-status", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input struct {
			LoadStatus models.ItemLoadStatus `json:"load_status" binding:"required"`
		}
		if !bindJSON(c, &input) {
			return
		}
		item, err := workflow.SetItemLoadStatus(c.Request.Context(), id, input.LoadStatus)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, item)
	})
	api.POST("/delivery-items/:id/reschedule", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input workflow.RescheduleItemInput
		if !bindJSON(c, &input) {
			return
		}
		input.DeliveryItemId = id
		target, err := workflow.RescheduleDeliveryItem(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, target)
	})

	api.POST("/route-plans", func(c *gin.Context) {
		var input models.NewRoutePlan
		if !bindJSON(c, &input) {
			return
		}
		plan, err := models.CreateRoutePlan(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		created(c, plan)
	})
	api.GET("/route-plans/:id", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		plan, err := models.GetRoutePlan(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, plan)
	})
	api.DELETE("/route-plans/:id", requireBackoffice(), func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		if err := models.DestroyRoutePlan(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	planTransition := func(fn func(context.Context, int) (*models.RoutePlan, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			id, valid := pathId(c)
			if !valid {
				return
			}
			plan, err := fn(c.Request.Context(), id)
			if err != nil {
				respondError(c, err)
				return
			}
			ok(c, plan)
		}
	}
	api.POST("/route-plans/:id/send-to-logistics", planTransition(models.SendPlanToLogistics))
	api.POST("/route-plans/:id/routes-created", planTransition(models.MarkPlanRoutesCreated))
	api.POST("/route-plans/:id/start", planTransition(models.StartRoutePlan))
	api.POST("/route-plans/:id/finish", planTransition(models.FinishRoutePlan))
	api.POST("/route-plans/:id/abort", planTransition(models.AbortRoutePlan))
	api.POST("/route-plans/:id/mark-all-loaded", planTransition(workflow.MarkAllPlanItemsLoaded))

	api.PUT("/route-plans/:id/driver", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input struct {
			DriverId *int `json:"driver_id"`
		}
		if !bindJSON(c, &input) {
			return
		}
		plan, err := models.AssignPlanDriver(c.Request.Context(), id, input.DriverId)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, plan)
	})
	api.GET("/route-plans/:id/group-stops", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		groups, err := workflow.GroupPlanStops(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, groups)
	})
	api.GET("/route-plans/:id/stop-for-location", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
		lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
		if latErr != nil || lngErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lng query params are required"})
			return
		}
		stopOrder, err := workflow.FindStopForLocation(c.Request.Context(), id, lat, lng)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, gin.H{"stop_order": stopOrder})
	})
	api.GET("/route-plans/:id/locations", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var since *time.Time
		if raw := c.Query("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
				return
			}
			since = &parsed
		}
		locations, err := models.GetPlanLocations(c.Request.Context(), id, since)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, locations)
	})
	api.GET("/route-plans/:id/locations/latest", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		location, err := models.LatestPlanLocation(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if location == nil {
			c.Status(http.StatusNoContent)
			return
		}
		ok(c, location)
	})
	api.POST("/route-plans/:id/locations", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input models.NewDeliveryPlanLocation
		if !bindJSON(c, &input) {
			return
		}
		input.RoutePlanId = id
		location, err := models.RecordPlanLocation(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		created(c, location)
	})

	api.POST("/assignments", func(c *gin.Context) {
		var input models.NewRoutePlanAssignment
		if !bindJSON(c, &input) {
			return
		}
		assignment, err := models.CreateRoutePlanAssignment(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		created(c, assignment)
	})
	api.GET("/assignments/:id", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		assignment, err := models.GetRoutePlanAssignment(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, assignment)
	})
	api.DELETE("/assignments/:id", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		if err := models.DestroyRoutePlanAssignment(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.POST("/assignments/:id/start", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		assignment, err := models.StartAssignment(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, assignment)
	})
	api.POST("/assignments/:id/complete", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		assignment, err := models.CompleteAssignment(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, assignment)
	})
	api.POST("/assignments/:id/fail", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input struct {
			Reason string `json:"reason" binding:"required"`
		}
		if !bindJSON(c, &input) {
			return
		}
		clone, err := workflow.FailDeliveryStop(c.Request.Context(), id, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		if clone == nil {
			// Completed or already-cancelled stop; failing it is a no-op.
			c.Status(http.StatusNoContent)
			return
		}
		ok(c, clone)
	})
	api.POST("/assignments/:id/notes", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		var input struct {
			Note string `json:"note" binding:"required"`
		}
		if !bindJSON(c, &input) {
			return
		}
		if err := models.AddDriverNote(c.Request.Context(), id, input.Note); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/import/deliveries", func(c *gin.Context) {
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		defer file.Close()
		summary, err := models.ImportDeliveriesFromXlsx(c.Request.Context(), file)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, summary)
	})

	api.GET("/notifications", func(c *gin.Context) {
		userId, found := utils.GetUserIdFromContext(c.Request.Context())
		if !found {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		unreadOnly := strings.EqualFold(c.Query("unread"), "true")
		notifications, err := models.GetNotifications(c.Request.Context(), userId, unreadOnly)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, notifications)
	})
	api.POST("/notifications/:id/read", func(c *gin.Context) {
		id, valid := pathId(c)
		if !valid {
			return
		}
		userId, found := utils.GetUserIdFromContext(c.Request.Context())
		if !found {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if err := models.MarkNotificationRead(c.Request.Context(), id, userId); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS: explicit allowlist in production, allow-all
	// otherwise.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(tracingMiddleware())
	r.Use(gin.Recovery())
	registerRoutes(r)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}
