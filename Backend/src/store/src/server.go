// Servidor HTTP/JSON de Store
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const maxBodyBytes = 1 << 20

type Server struct {
	cfg     Config
	repo    *Repository
	users   *UserService
	catalog *CatalogService
	res     *ReservationService
}

func NewServer(cfg Config, repo *Repository, users *UserService, catalog *CatalogService, res *ReservationService) *Server {
	return &Server{cfg: cfg, repo: repo, users: users, catalog: catalog, res: res}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// usuarios
	mux.HandleFunc("POST /api/users/register", s.handleRegister)
	mux.HandleFunc("POST /api/users/login", s.handleLogin)
	mux.HandleFunc("POST /api/users/logout", s.authed(s.handleLogout))
	mux.HandleFunc("GET /api/users/me", s.authed(s.handleProfile))
	mux.HandleFunc("PATCH /api/users/me", s.authed(s.handleUpdateName))

	// catálogo
	mux.HandleFunc("GET /api/books", s.handleListBooks)
	mux.HandleFunc("GET /api/books/{id}", s.handleGetBook)
	mux.HandleFunc("POST /api/books", s.admin(s.handleCreateBook))
	mux.HandleFunc("POST /api/books/{id}/restock", s.admin(s.handleRestock))

	// carrito
	mux.HandleFunc("GET /api/cart", s.authed(s.handleGetCart))
	mux.HandleFunc("POST /api/cart/books/{bookId}", s.authed(s.handleAddToCart))
	mux.HandleFunc("DELETE /api/cart/lines/{lineId}", s.authed(s.handleRemoveFromCart))
	mux.HandleFunc("DELETE /api/cart", s.authed(s.handleClearCart))

	// direcciones
	mux.HandleFunc("POST /api/addresses", s.authed(s.handleAddAddress))
	mux.HandleFunc("GET /api/addresses", s.authed(s.handleListAddresses))

	// órdenes
	mux.HandleFunc("POST /api/orders", s.authed(s.handlePlaceOrder))
	mux.HandleFunc("GET /api/orders", s.authed(s.handleListOrders))
	mux.HandleFunc("GET /api/orders/{id}", s.authed(s.handleGetOrder))
	mux.HandleFunc("POST /api/orders/{id}/cancel", s.authed(s.handleCancelOrder))

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return s.accessLog(c.Handler(mux))
}

// ---- middleware ----

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http")
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, sess *Session)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.users.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		h(w, r, sess)
	}
}

func (s *Server) admin(h authedHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, sess *Session) {
		if !s.cfg.IsAdmin(sess.Email) {
			writeError(w, ErrForbidden)
			return
		}
		h(w, r, sess)
	})
}

// ---- helpers ----

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	o := outcomeOf(err)
	msg := err.Error()
	if !isExpected(err) {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, o.status, errorBody{Code: o.code, Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.WithMessage(ErrInvalidArgument, "invalid JSON body")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.WithMessagef(ErrInvalidArgument, "invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// ---- vistas ----

type userView struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

func toUserView(u *User) userView { return userView{UserID: u.ID, Name: u.Name, Email: u.Email} }

type bookView struct {
	ID               int64  `json:"id"`
	Title            string `json:"title"`
	Author           string `json:"author"`
	Description      string `json:"description,omitempty"`
	PriceCents       int64  `json:"priceCents"`
	Price            string `json:"price"`
	Quantity         int32  `json:"quantity"`
	ReservedQuantity int32  `json:"reservedQuantity"`
	SoldQuantity     int32  `json:"soldQuantity"`
}

func toBookView(b *Book) bookView {
	return bookView{
		ID:               b.ID,
		Title:            b.Title,
		Author:           b.Author,
		Description:      b.Description,
		PriceCents:       b.PriceCents,
		Price:            Money{Cents: b.PriceCents}.String(),
		Quantity:         b.Quantity,
		ReservedQuantity: b.ReservedQuantity,
		SoldQuantity:     b.SoldQuantity,
	}
}

type addressView struct {
	ID      int64  `json:"id"`
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country"`
}

func toAddressView(a *Address) *addressView {
	if a == nil {
		return nil
	}
	return &addressView{ID: a.ID, Street: a.Street, City: a.City, State: a.State, Zip: a.Zip, Country: a.Country}
}

type cartLineView struct {
	CartLineID int64  `json:"cartLineId"`
	BookID     int64  `json:"bookId"`
	Title      string `json:"title,omitempty"`
	Quantity   int32  `json:"quantity"`
	UnitCents  int64  `json:"unitCents,omitempty"`
	LineCents  int64  `json:"lineCents,omitempty"`
}

type cartView struct {
	Lines         []cartLineView `json:"lines"`
	TotalQuantity int32          `json:"totalQuantity"`
	TotalPrice    int64          `json:"totalPrice"`
	Total         string         `json:"total"`
}

func toCartView(c *CartView) cartView {
	v := cartView{
		Lines:         make([]cartLineView, 0, len(c.Lines)),
		TotalQuantity: c.Quantity,
		TotalPrice:    c.TotalCents,
		Total:         Money{Cents: c.TotalCents}.String(),
	}
	for _, l := range c.Lines {
		v.Lines = append(v.Lines, cartLineView{
			CartLineID: l.CartLineID,
			BookID:     l.BookID,
			Title:      l.Title,
			Quantity:   l.Quantity,
			UnitCents:  l.UnitCents,
			LineCents:  l.LineCents,
		})
	}
	return v
}

type orderLineView struct {
	BookID    int64  `json:"bookId"`
	Title     string `json:"title"`
	Quantity  int32  `json:"quantity"`
	UnitCents int64  `json:"unitCents"`
	LineCents int64  `json:"lineCents"`
}

type orderView struct {
	OrderID       int64           `json:"orderId"`
	Address       *addressView    `json:"address,omitempty"`
	Lines         []orderLineView `json:"lines"`
	TotalQuantity int32           `json:"totalQuantity"`
	TotalPrice    int64           `json:"totalPrice"`
	Total         string          `json:"total"`
	PlacedAt      time.Time       `json:"placedAt"`
	Cancelled     bool            `json:"cancelled"`
	CancelledAt   *time.Time      `json:"cancelledAt,omitempty"`
}

func toOrderView(o *Order) orderView {
	v := orderView{
		OrderID:       o.ID,
		Address:       toAddressView(o.Address),
		Lines:         make([]orderLineView, 0, len(o.Lines)),
		TotalQuantity: o.Quantity,
		TotalPrice:    o.TotalCents,
		Total:         Money{Cents: o.TotalCents}.String(),
		PlacedAt:      o.PlacedAt,
		Cancelled:     o.Cancelled,
		CancelledAt:   o.CancelledAt,
	}
	for _, l := range o.Lines {
		v.Lines = append(v.Lines, orderLineView{
			BookID:    l.BookID,
			Title:     l.Title,
			Quantity:  l.Quantity,
			UnitCents: l.UnitCents,
			LineCents: l.LineCents,
		})
	}
	return v
}

// ---- handlers ----

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		log.Warn().Err(err).Msg("healthz: db unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.users.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserView(u))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, u, err := s.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Token string `json:"token"`
		userView
	}{Token: token, userView: toUserView(u)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ *Session) {
	if err := s.users.Logout(r.Context(), bearerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, sess *Session) {
	u, err := s.users.GetProfile(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(u))
}

func (s *Server) handleUpdateName(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.users.UpdateName(r.Context(), sess.UserID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(u))
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	page, err := s.catalog.ListBooks(r.Context(), r.URL.Query().Get("q"), queryInt(r, "page"), queryInt(r, "page_size"))
	if err != nil {
		writeError(w, err)
		return
	}
	books := make([]bookView, 0, len(page.Books))
	for i := range page.Books {
		books = append(books, toBookView(&page.Books[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"books":      books,
		"page":       page.Page,
		"pageSize":   page.PageSize,
		"totalItems": page.TotalItems,
		"totalPages": page.TotalPages,
	})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.catalog.GetBook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookView(b))
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request, _ *Session) {
	var req struct {
		Title       string `json:"title"`
		Author      string `json:"author"`
		Description string `json:"description"`
		PriceCents  int64  `json:"priceCents"`
		Quantity    int32  `json:"quantity"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.catalog.CreateBook(r.Context(), NewBook{
		Title:       req.Title,
		Author:      req.Author,
		Description: req.Description,
		PriceCents:  req.PriceCents,
		Quantity:    req.Quantity,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookView(b))
}

func (s *Server) handleRestock(w http.ResponseWriter, r *http.Request, _ *Session) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Quantity int32 `json:"quantity"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.catalog.Restock(r.Context(), id, req.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookView(b))
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request, sess *Session) {
	c, err := s.res.GetCart(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCartView(c))
}

func (s *Server) handleAddToCart(w http.ResponseWriter, r *http.Request, sess *Session) {
	bookID, err := pathID(r, "bookId")
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := s.res.AddToCart(r.Context(), sess.UserID, bookID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartLineView{CartLineID: l.ID, BookID: l.BookID, Quantity: l.Quantity})
}

func (s *Server) handleRemoveFromCart(w http.ResponseWriter, r *http.Request, sess *Session) {
	lineID, err := pathID(r, "lineId")
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.res.RemoveFromCart(r.Context(), sess.UserID, lineID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleClearCart(w http.ResponseWriter, r *http.Request, sess *Session) {
	msg, err := s.res.ClearCart(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleAddAddress(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Street  string `json:"street"`
		City    string `json:"city"`
		State   string `json:"state"`
		Zip     string `json:"zip"`
		Country string `json:"country"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.users.AddAddress(r.Context(), sess.UserID, NewAddress{
		Street:  req.Street,
		City:    req.City,
		State:   req.State,
		Zip:     req.Zip,
		Country: req.Country,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAddressView(a))
}

func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request, sess *Session) {
	as, err := s.users.ListAddresses(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*addressView, 0, len(as))
	for i := range as {
		out = append(out, toAddressView(&as[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		AddressID int64 `json:"addressId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.res.PlaceOrder(r.Context(), sess.UserID, req.AddressID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderView(o))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request, sess *Session) {
	orders, err := s.res.ListOrders(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderView(&orders[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, sess *Session) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := s.res.GetOrder(r.Context(), sess.UserID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request, sess *Session) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := s.res.CancelOrder(r.Context(), sess.UserID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OrderID   int64 `json:"orderId"`
		Cancelled bool  `json:"cancelled"`
	}{OrderID: o.ID, Cancelled: o.Cancelled})
}
