package book

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/bookswap-api/internal/middleware"
)

// SetupRoutes настраивает маршруты для API книг
func (s *BookService) SetupRoutes(app *fiber.App) {
	api := app.Group("/api/books")
	auth := middleware.AuthMiddleware(s.jwtService)

	// Каталог и карточка книги открыты без авторизации,
	// остальные маршруты требуют токен
	api.Get("/", s.GetBooks)
	api.Post("/", s.CreateBook, auth)
	api.Get("/my", s.GetMyBooks, auth)
	api.Put("/:id", s.UpdateBook, auth)
	api.Delete("/:id", s.DeleteBook, auth)

	// После /my, чтобы "my" не перехватывался как :id
	api.Get("/:id", s.GetBook)
}
