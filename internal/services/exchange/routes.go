package exchange

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/bookswap-api/internal/middleware"
)

// SetupRoutes настраивает маршруты для API заявок и обменов
func (s *ExchangeService) SetupRoutes(app *fiber.App) {
	// Группа для API заявок на обмен
	requests := app.Group("/api/requests")
	requests.Use(middleware.AuthMiddleware(s.jwtService))

	requests.Post("/", s.CreateRequest)
	requests.Get("/incoming", s.GetIncomingRequests)
	requests.Get("/outgoing", s.GetOutgoingRequests)
	requests.Get("/busy-books", s.GetBusyOfferedBooks)
	requests.Get("/:id", s.GetRequest)
	requests.Post("/:id/accept", s.AcceptRequest)
	requests.Post("/:id/reject", s.RejectRequest)
	requests.Post("/:id/cancel", s.CancelRequest)

	// Группа для API обменов
	exchanges := app.Group("/api/exchanges")
	exchanges.Use(middleware.AuthMiddleware(s.jwtService))

	exchanges.Get("/", s.GetMyExchanges)
	exchanges.Get("/:id", s.GetExchange)
	exchanges.Post("/:id/meeting", s.ProposeMeeting)
	exchanges.Post("/:id/meeting/confirm", s.ConfirmMeeting)
	exchanges.Post("/:id/code", s.GenerateCode)
	exchanges.Post("/:id/complete", s.CompleteExchange)
	exchanges.Post("/:id/cancel", s.CancelExchange)
}
