package relayserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/collab/internal/logger"
	"github.com/collab/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay is a dev service behind no proxy; origin checks are the
	// production broker's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server glues the hub, the store and the REST surface together.
type Server struct {
	hub         *Hub
	store       storage.Store
	vapidPublic string
}

func NewServer(hub *Hub, store storage.Store, vapidPublic string) *Server {
	return &Server{hub: hub, store: store, vapidPublic: vapidPublic}
}

// Routes builds the full relay router: the websocket endpoint plus the
// directory REST surface the clients consume.
func (s *Server) Routes(allowedOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{allowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/collab/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/contacts", s.handleContacts)
		r.Post("/contacts", s.handleAddContact)
		r.Get("/unread", s.handleUnread)
		r.Get("/history", s.handleHistory)
		r.Post("/read", s.handleMarkRead)
		r.Post("/subscribe", s.handleSubscribe)
		r.Get("/vapid-public", s.handleVAPIDPublic)
	})
	return r
}

// handleWS upgrades, consumes the subscribe frame and hands the socket to
// the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("relay: upgrade: %v", err)
		return
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var sub struct {
		Action string `json:"action"`
		Topic  string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil || sub.Action != "subscribe" || strings.TrimSpace(sub.Topic) == "" {
		logger.Errorf("relay: bad subscribe frame: %v", err)
		conn.Close()
		return
	}

	c := newClient(s.hub, conn, sub.Topic)
	if !s.hub.Register(c) {
		conn.Close()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx, cancel)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.store.Contacts(r.Context())
	if err != nil {
		logger.Errorf("relay: contacts: %v", err)
		http.Error(w, "failed to load contacts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, contacts)
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var c storage.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	if c.DisplayName == "" {
		c.DisplayName = c.ID
	}
	c.AddedAt = time.Now().UTC()
	if err := s.store.SaveContact(r.Context(), c); err != nil {
		logger.Errorf("relay: save contact %s: %v", c.ID, err)
		http.Error(w, "failed to save contact", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return
	}
	counts, err := s.store.UnreadCounts(r.Context(), user)
	if err != nil {
		logger.Errorf("relay: unread user=%s: %v", user, err)
		http.Error(w, "failed to load unread counts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, counts)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	peer := strings.TrimSpace(r.URL.Query().Get("peer"))
	if user == "" || peer == "" {
		http.Error(w, "user and peer required", http.StatusBadRequest)
		return
	}
	history, err := s.store.History(r.Context(), user, peer)
	if err != nil {
		logger.Errorf("relay: history %s/%s: %v", user, peer, err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []storage.Message{}
	}
	writeJSON(w, history)
}

// handleMarkRead resets the user's unread counter for peer. Idempotent:
// marking an already-read conversation is a success.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User string `json:"user"`
		Peer string `json:"peer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.User) == "" || strings.TrimSpace(req.Peer) == "" {
		http.Error(w, "user and peer required", http.StatusBadRequest)
		return
	}
	if err := s.store.ResetUnread(r.Context(), req.User, req.Peer); err != nil {
		logger.Errorf("relay: reset unread %s/%s: %v", req.User, req.Peer, err)
		http.Error(w, "failed to mark read", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User         string          `json:"user"`
		Subscription json.RawMessage `json:"subscription"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.User = strings.TrimSpace(req.User)
	if req.User == "" || len(req.Subscription) == 0 {
		http.Error(w, "user and subscription required", http.StatusBadRequest)
		return
	}
	if err := s.store.SaveSubscription(r.Context(), req.User, req.Subscription); err != nil {
		logger.Errorf("relay: save subscription user=%s: %v", req.User, err)
		http.Error(w, "failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, _ *http.Request) {
	if s.vapidPublic == "" {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(s.vapidPublic))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("relay: write json: %v", err)
	}
}
