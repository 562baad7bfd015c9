package main

import (
	"log"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/rajivgeraev/bookswap-api/internal/config"
	"github.com/rajivgeraev/bookswap-api/internal/db"
	"github.com/rajivgeraev/bookswap-api/internal/services/book"
	"github.com/rajivgeraev/bookswap-api/internal/services/chat"
	"github.com/rajivgeraev/bookswap-api/internal/services/exchange"
	"github.com/rajivgeraev/bookswap-api/internal/services/rating"
	"github.com/rajivgeraev/bookswap-api/internal/utils"
	"github.com/rajivgeraev/bookswap-api/internal/websocket"
)

func main() {
	// Загружаем конфигурацию
	cfg := config.LoadConfig()

	// Инициализируем базу данных
	if err := db.InitDB(cfg); err != nil {
		log.Fatalf("❌ Ошибка при инициализации базы данных: %v", err)
	}
	defer db.CloseDB()

	// Создаём экземпляр Fiber
	app := fiber.New(fiber.Config{
		AppName:      "BookSwap API",
		ErrorHandler: errorHandler,
	})

	// Добавляем middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowCredentials: false,
	}))

	// Менеджер WebSocket уведомлений
	wsManager := websocket.NewManager()
	defer wsManager.Shutdown()

	// Создаём сервисы
	bookService := book.NewBookService(cfg)
	exchangeService := exchange.NewExchangeService(cfg, wsManager)
	chatService := chat.NewChatService(cfg, wsManager)
	ratingService := rating.NewRatingService(cfg)

	// Событиям печати нужен собеседник по чату
	wsManager.ResolvePeer = chatService.ResolvePeer

	// Регистрируем маршруты
	bookService.SetupRoutes(app)
	exchangeService.SetupRoutes(app)
	chatService.SetupRoutes(app)
	ratingService.SetupRoutes(app)

	// WebSocket слушает на отдельном порту
	go func() {
		wsHandler := websocket.NewHandler(wsManager, utils.NewJWTService(cfg.JWTSecret))
		mux := http.NewServeMux()
		mux.Handle("/ws", wsHandler)

		log.Printf("✅ WebSocket сервер запущен на порту %s", cfg.WSPort)
		if err := http.ListenAndServe(":"+cfg.WSPort, mux); err != nil {
			log.Fatalf("❌ Ошибка WebSocket сервера: %v", err)
		}
	}()

	// Запускаем сервер
	log.Printf("✅ BookSwap API запущен на порту %s", cfg.HTTPPort)
	log.Fatal(app.Listen(":" + cfg.HTTPPort))
}

// errorHandler обрабатывает ошибки Fiber
func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	// Проверяем, является ли ошибка из Fiber
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	// Отправляем ошибку в JSON
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
