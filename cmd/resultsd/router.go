package main

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	api "github.com/mind-engage/mindengage-results/internal/api/http"
	auth "github.com/mind-engage/mindengage-results/internal/auth/middleware"
	"github.com/mind-engage/mindengage-results/internal/rbac"
)

type routerDeps struct {
	auth          *auth.AuthService
	adminUser     string
	adminPassHash string
	corsOrigins   []string
	computations  api.Computations
	summaries     api.SummaryReader
	students      api.StudentReader
	carryovers    api.CarryoverClearer
	notifications api.NotificationReader
	db            api.Pinger
}

func newRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(d.auth, d.adminUser, d.adminPassHash))

	// Protected API (JWT → role in context → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(d.auth))

		pr.Route("/computations", func(cr chi.Router) {
			cr.With(rbac.Require(rbac.PermComputationRun)).
				Post("/compute-all", api.ComputeAllHandler(d.computations))
			cr.With(rbac.Require(rbac.PermComputationView)).
				Get("/status/{masterID}", api.StatusHandler(d.computations))
			cr.With(rbac.Require(rbac.PermComputationCancel)).
				Post("/cancel/{masterID}", api.CancelHandler(d.computations))
			cr.With(rbac.Require(rbac.PermComputationRun)).
				Post("/retry/{masterID}", api.RetryHandler(d.computations))
			cr.With(rbac.Require(rbac.PermComputationView)).
				Get("/history", api.HistoryHandler(d.computations))
			cr.With(rbac.Require(rbac.PermComputationView)).
				Get("/history/{masterID}/summaries", api.HistorySummariesHandler(d.summaries))
			cr.With(rbac.Require(rbac.PermComputationView)).
				Get("/summaries/{departmentID}/{semesterID}", api.SummaryHandler(d.summaries))
		})

		pr.With(rbac.Require(rbac.PermGPAView)).
			Get("/gpa/student/{studentID}/semester/{semesterID}", api.StudentSemesterHandler(d.students))
		pr.With(rbac.Require(rbac.PermCarryoverClear)).
			Patch("/carryovers/{id}/clear", api.ClearCarryoverHandler(d.carryovers))
		pr.With(rbac.RequireAny(rbac.PermNotificationRead, rbac.PermComputationRun)).
			Get("/notifications", api.NotificationsHandler(d.notifications))
	})

	r.Get("/healthz", api.HealthHandler())
	r.Get("/readyz", api.ReadyHandler(d.db))
	return r
}
