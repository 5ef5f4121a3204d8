package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gorilla/mux"

	"github.com/okch/chatsync/internal/store"
	"github.com/okch/chatsync/pkg/protocol"
)

type contextKey string

const claimsKey contextKey = "claims"

// router builds the HTTP surface: the credential exchange, the authenticated
// read side the clients page history from, and the websocket upgrade.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/chat-rooms", s.handleListRooms).Methods(http.MethodGet)
	api.HandleFunc("/chat-rooms", s.handleCreateRoom).Methods(http.MethodPost)
	api.HandleFunc("/chat-rooms/my-rooms", s.handleMyRooms).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/messages/room/{id:[0-9]+}", s.handleRoomMessages).Methods(http.MethodGet)
	api.HandleFunc("/private-messages/conversations", s.handleConversationPartners).Methods(http.MethodGet)
	api.HandleFunc("/private-messages/conversation/{id:[0-9]+}", s.handleConversation).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)

	return r
}

// authMiddleware verifies the bearer token and stashes its claims in the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || len(creds.Password) < 4 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 4 characters are required")
		return
	}

	hash, err := HashPassword(creds.Password)
	if err != nil {
		s.logger.Error("failed to hash password", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	user, err := s.store.CreateUser(creds.Username, hash)
	if err != nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}
	s.writeAuthResponse(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.UserByUsername(creds.Username)
	if err != nil || !CheckPassword(user.PasswordHash, creds.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.writeAuthResponse(w, http.StatusOK, user)
}

func (s *Server) writeAuthResponse(w http.ResponseWriter, status int, user *store.User) {
	token, err := s.tokens.Mint(user.ID, user.Username)
	if err != nil {
		s.logger.Error("failed to mint token", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, map[string]any{
		"token": token,
		"user":  protocol.User{ID: user.ID, Username: user.Username},
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.Rooms()
	if err != nil {
		s.logger.Error("failed to list rooms", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]protocol.Room, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomToWire(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var req struct {
		RoomName string `json:"roomName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RoomName = strings.TrimSpace(req.RoomName)
	if req.RoomName == "" {
		writeError(w, http.StatusBadRequest, "roomName is required")
		return
	}

	room, err := s.store.CreateRoom(req.RoomName, claims.UserID)
	if err != nil {
		s.logger.Error("failed to create room", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, roomToWire(*room))
}

func (s *Server) handleMyRooms(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	rooms, err := s.store.RoomsForUser(claims.UserID)
	if err != nil {
		s.logger.Error("failed to list joined rooms", "user", claims.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]protocol.Room, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomToWire(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversationPartners(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	partners, err := s.store.ConversationPartners(claims.UserID)
	if err != nil {
		s.logger.Error("failed to list conversations", "user", claims.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]protocol.User, 0, len(partners))
	for _, u := range partners {
		out = append(out, protocol.User{ID: u.ID, Username: u.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users()
	if err != nil {
		s.logger.Error("failed to list users", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]protocol.User, 0, len(users))
	for _, u := range users {
		out = append(out, protocol.User{ID: u.ID, Username: u.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	roomID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	msgs, err := s.store.RoomMessages(roomID)
	if err != nil {
		s.logger.Error("failed to load room messages", "room", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]protocol.RoomMessagePayload, 0, len(msgs))
	for i := range msgs {
		out = append(out, roomPayload(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	peerID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	msgs, err := s.store.ConversationBetween(claims.UserID, peerID)
	if err != nil {
		s.logger.Error("failed to load conversation", "peer", peerID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]protocol.PrivateMessagePayload, 0, len(msgs))
	for i := range msgs {
		out = append(out, privatePayload(&msgs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWebsocket upgrades an authenticated request and serves the session
// until the connection closes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	user := protocol.User{ID: claims.UserID, Username: claims.Username}
	sess := newWSSession(conn, user, s.hub, s.logger)
	go sess.serve()
}

func roomToWire(r store.Room) protocol.Room {
	return protocol.Room{
		ID:   r.ID,
		Name: r.Name,
		CreatedBy: protocol.User{
			ID:       r.CreatedByID,
			Username: r.CreatedByName,
		},
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	// Browsers cannot set headers on websocket upgrades, so the token may
	// arrive as a query parameter instead.
	return r.URL.Query().Get("token")
}

func withClaims(ctx context.Context, claims *TokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func claimsFrom(ctx context.Context) *TokenClaims {
	claims, _ := ctx.Value(claimsKey).(*TokenClaims)
	return claims
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Debug("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
