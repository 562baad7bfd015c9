package websocket

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rajivgeraev/bookswap-api/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Handler принимает подключения WebSocket клиентов. Токен передается
// query-параметром, потому что браузерный WebSocket API не позволяет
// выставить заголовок Authorization.
type Handler struct {
	manager    *Manager
	jwtService *utils.JWTService
}

// NewHandler создает обработчик подключений
func NewHandler(manager *Manager, jwtService *utils.JWTService) *Handler {
	return &Handler{manager: manager, jwtService: jwtService}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}

	userID, err := h.jwtService.ExtractUserID(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if _, err := uuid.Parse(userID); err != nil {
		http.Error(w, "invalid user ID in token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading connection: %v", err)
		return
	}

	client := NewClient(userID, conn, h.manager)
	client.Start()
}
