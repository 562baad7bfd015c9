package rating

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/bookswap-api/internal/middleware"
)

// SetupRoutes настраивает маршруты для API оценок
func (s *RatingService) SetupRoutes(app *fiber.App) {
	api := app.Group("/api/ratings")
	api.Use(middleware.AuthMiddleware(s.jwtService))

	api.Post("/exchanges/:id", s.RateExchange)
	api.Get("/exchanges/:id/my", s.GetMyRating)
	api.Get("/users/:userId", s.GetUserSummary)
}
