package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/mchcare/internal/auth"
)

// HandleWebSocket upgrades the request and runs it as a hub client.
// originPatterns lists extra hosts allowed to connect cross-origin; same
// host connections are always accepted. Clients may pass
// ?topics=patients,backup to receive only those entities.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topics := ParseTopics(r.URL.Query().Get("topics"))
		admin := auth.IsAdmin(r.Context())

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err, "remote", r.RemoteAddr)
			return
		}
		logger.Debug("websocket connected", "user_id", auth.UserID(r.Context()), "admin", admin, "topics", topics)

		NewClient(hub, conn, admin, topics).Run(r.Context())
	}
}
