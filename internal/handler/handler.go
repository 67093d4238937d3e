// Package handler содержит HTTP-обработчики API сервиса printflow.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/printflow-system/internal/gateway"
	"github.com/mmeshcher/printflow-system/internal/middleware"
	"github.com/mmeshcher/printflow-system/internal/model"
	"github.com/mmeshcher/printflow-system/internal/repository"
	"github.com/mmeshcher/printflow-system/internal/service"
	"github.com/mmeshcher/printflow-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, name, email, password, phone, address string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	CreateTransaction(ctx context.Context, in service.CreateOrderInput) (*service.PaymentSession, error)
	HandleNotification(ctx context.Context, n *gateway.TransactionStatus) error
	CheckStatus(ctx context.Context, orderID string) (*service.StatusResult, error)
	RetryPayment(ctx context.Context, orderID string, actor service.Actor) (*service.PaymentSession, error)
	UpdateOrder(ctx context.Context, orderID string, upd service.OrderUpdate) (*model.Order, error)
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, userID *int64, status string) ([]model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса printflow.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Name, req.Email, req.Password, req.Phone, req.Address)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		if errors.Is(err, validation.ErrValidation) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Claims{UserID: userID, Role: model.RoleUser})
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Claims{UserID: user.ID, Role: user.Role})
	w.WriteHeader(http.StatusOK)
}

type createTransactionRequest struct {
	Items       []model.OrderItem `json:"items"`
	Customer    model.Customer    `json:"customer"`
	Delivery    model.Delivery    `json:"delivery"`
	TotalAmount int64             `json:"totalAmount"`
}

type paymentSessionResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
	OrderID     string `json:"orderId"`
}

// CreateTransaction создаёт заказ и платёжную сессию. Аутентификация
// необязательна: гостевые заказы сохраняются без привязки к пользователю.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var userID *int64
	if claims, ok := h.authMiddleware.ParseRequest(r); ok {
		userID = &claims.UserID
	}

	session, err := h.service.CreateTransaction(r.Context(), service.CreateOrderInput{
		UserID:      userID,
		Customer:    req.Customer,
		Items:       req.Items,
		Delivery:    req.Delivery,
		TotalAmount: req.TotalAmount,
	})
	if err != nil {
		if errors.Is(err, validation.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if errors.Is(err, service.ErrGateway) {
			h.logger.Error("create transaction gateway error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		h.logger.Error("create transaction error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, paymentSessionResponse{
		Token:       session.Token,
		RedirectURL: session.RedirectURL,
		OrderID:     session.OrderID,
	})
}

type notificationResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HandleNotification принимает асинхронное уведомление платёжного шлюза.
// Ошибка разрешения заказа возвращается шлюзу не-2xx статусом, чтобы он
// повторил доставку позже.
func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	var n gateway.TransactionStatus
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.HandleNotification(r.Context(), &n); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			h.logger.Warn("notification for unknown order", zap.String("gatewayOrderID", n.OrderID))
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("handle notification error", zap.Error(err), zap.String("gatewayOrderID", n.OrderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, notificationResponse{Status: "ok"})
}

type statusRequest struct {
	OrderID string `json:"orderId"`
}

type statusResponse struct {
	Status        string `json:"status"`
	OrderStatus   string `json:"orderStatus"`
	GatewayStatus string `json:"gatewayStatus"`
}

// CheckStatus выполняет ручной опрос статуса транзакции у шлюза.
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.CheckStatus(r.Context(), req.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if errors.Is(err, service.ErrGateway) {
			h.logger.Error("status query gateway error", zap.Error(err), zap.String("orderID", req.OrderID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		h.logger.Error("check status error", zap.Error(err), zap.String("orderID", req.OrderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, statusResponse{
		Status:        "ok",
		OrderStatus:   string(result.OrderStatus),
		GatewayStatus: result.GatewayStatus,
	})
}

type retryRequest struct {
	OrderID string `json:"orderId"`
}

type retryResponse struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// RetryPayment создаёт новую платёжную сессию для заказа в статусе pending,
// позволяя покупателю выбрать другой способ оплаты.
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.RetryPayment(r.Context(), req.OrderID, service.Actor{
		UserID: claims.UserID,
		Role:   claims.Role,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrForbidden):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrInvalidState):
			http.Error(w, "order is not pending", http.StatusBadRequest)
		case errors.Is(err, service.ErrGateway):
			h.logger.Error("retry payment gateway error", zap.Error(err), zap.String("orderID", req.OrderID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("retry payment error", zap.Error(err), zap.String("orderID", req.OrderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, h.logger, retryResponse{
		Token:       session.Token,
		RedirectURL: session.RedirectURL,
	})
}

type paymentResponse struct {
	Method          string                `json:"method"`
	Status          string                `json:"status"`
	TransactionID   string                `json:"transactionId,omitempty"`
	PaymentType     string                `json:"paymentType,omitempty"`
	TransactionTime string                `json:"transactionTime,omitempty"`
	PaymentDetails  *model.PaymentDetails `json:"paymentDetails,omitempty"`
}

type orderResponse struct {
	OrderID     string            `json:"orderId"`
	UserID      *int64            `json:"userId,omitempty"`
	Customer    model.Customer    `json:"customer"`
	Items       []model.OrderItem `json:"items"`
	Delivery    model.Delivery    `json:"delivery"`
	TotalAmount int64             `json:"totalAmount"`
	Payment     paymentResponse   `json:"payment"`
	CreatedAt   string            `json:"createdAt"`
}

func toOrderResponse(o model.Order) orderResponse {
	payment := paymentResponse{
		Method:         o.Payment.Method,
		Status:         string(o.Payment.Status),
		TransactionID:  o.Payment.TransactionID,
		PaymentType:    o.Payment.PaymentType,
		PaymentDetails: o.Payment.Details,
	}
	if o.Payment.TransactionTime != nil {
		payment.TransactionTime = o.Payment.TransactionTime.Format(time.RFC3339)
	}

	return orderResponse{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Customer:    o.Customer,
		Items:       o.Items,
		Delivery:    o.Delivery,
		TotalAmount: o.TotalAmount,
		Payment:     payment,
		CreatedAt:   o.CreatedAt.Format(time.RFC3339),
	}
}

func isStaff(role model.Role) bool {
	return role == model.RoleAdmin || role == model.RoleCourier
}

// GetOrders возвращает заказы по одному из параметров: orderId, userId или
// status. Выборка по одному заказу доступна владельцу и персоналу; гостевые
// заказы доступны по идентификатору без аутентификации.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	claims, authed := h.authMiddleware.ParseRequest(r)

	if orderID := query.Get("orderId"); orderID != "" {
		order, err := h.service.GetOrderByID(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, repository.ErrOrderNotFound) {
				writeJSON(w, h.logger, []orderResponse{})
				return
			}
			h.logger.Error("get order error", zap.Error(err), zap.String("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if order.UserID != nil {
			if !authed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if claims.UserID != *order.UserID && !isStaff(claims.Role) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
		}

		writeJSON(w, h.logger, []orderResponse{toOrderResponse(*order)})
		return
	}

	status := query.Get("status")

	if rawUserID := query.Get("userId"); rawUserID != "" {
		userID, err := strconv.ParseInt(rawUserID, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		if !authed {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if claims.UserID != userID && !isStaff(claims.Role) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		h.listOrders(w, r, &userID, status)
		return
	}

	// Выборки без привязки к пользователю доступны только персоналу.
	if !authed {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if !isStaff(claims.Role) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	h.listOrders(w, r, nil, status)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request, userID *int64, status string) {
	orders, err := h.service.ListOrders(r.Context(), userID, status)
	if err != nil {
		if errors.Is(err, validation.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("list orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	writeJSON(w, h.logger, resp)
}

type updateOrderRequest struct {
	OrderID        string                `json:"orderId"`
	Status         *string               `json:"status"`
	PaymentType    *string               `json:"paymentType"`
	PaymentDetails *model.PaymentDetails `json:"paymentDetails"`
}

// UpdateOrder применяет частичное обновление заказа из панелей администратора
// и курьера: фулфилмент-переходы и правку платёжных реквизитов.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.OrderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	upd := service.OrderUpdate{
		PaymentType: req.PaymentType,
		Details:     req.PaymentDetails,
	}
	if req.Status != nil {
		status := model.OrderStatus(*req.Status)
		upd.Status = &status
	}

	order, err := h.service.UpdateOrder(r.Context(), req.OrderID, upd)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if errors.Is(err, validation.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("update order error", zap.Error(err), zap.String("orderID", req.OrderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.logger, toOrderResponse(*order))
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response error", zap.Error(err))
	}
}
