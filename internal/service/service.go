// Package service реализует бизнес-логику сервиса printflow.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/printflow-system/internal/gateway"
	"github.com/mmeshcher/printflow-system/internal/model"
	"github.com/mmeshcher/printflow-system/internal/repository"
	"github.com/mmeshcher/printflow-system/internal/validation"
)

// ServiceFee — фиксированный сервисный сбор, добавляемый к каждому заказу.
const ServiceFee int64 = 1000

// testNotificationPrefix — префикс синтетических уведомлений из кабинета шлюза.
// Такие уведомления подтверждаются без записи в хранилище.
const testNotificationPrefix = "payment_notif_test_"

const paymentMethod = "snap"

// ErrInvalidState возвращается при попытке повторной оплаты заказа не в статусе pending.
var (
	ErrInvalidState = errors.New("order is not pending")
	// ErrForbidden возвращается, если у пользователя нет прав на операцию с заказом.
	ErrForbidden = errors.New("access denied")
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrGateway возвращается при сбое платёжного шлюза или некорректном ответе от него.
	ErrGateway = errors.New("payment gateway error")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, filter repository.OrderFilter) ([]model.Order, error)
	UpdatePayment(ctx context.Context, orderID string, upd repository.PaymentUpdate) error
	AttachGatewayTransaction(ctx context.Context, orderID, gatewayOrderID, token string) error
	ResolveGatewayOrder(ctx context.Context, gatewayOrderID string) (string, error)
}

// Gateway описывает контракт платёжного шлюза, используемый сервисом.
type Gateway interface {
	CreateSession(ctx context.Context, sr gateway.SessionRequest) (*gateway.Session, error)
	GetTransactionStatus(ctx context.Context, orderID string) (*gateway.TransactionStatus, error)
}

// Service содержит бизнес-логику сервиса printflow.
type Service struct {
	repo    Repository
	gateway Gateway
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом платёжного шлюза.
func NewService(repo Repository, gw Gateway) *Service {
	return &Service{
		repo:    repo,
		gateway: gw,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с ролью user.
func (s *Service) RegisterUser(ctx context.Context, name, email, password, phone, address string) (int64, error) {
	if name == "" || email == "" || password == "" {
		return 0, fmt.Errorf("%w: name, email and password are required", validation.ErrValidation)
	}

	hashed := hashPassword(email, password)
	id, err := s.repo.CreateUser(ctx, &model.User{
		Name:         name,
		Email:        email,
		PasswordHash: hashed,
		Role:         model.RoleUser,
		Phone:        phone,
		Address:      address,
	})
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return 0, repository.ErrUserExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет email и пароль пользователя и возвращает его учётную запись.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(email, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// CreateOrderInput содержит данные нового заказа. Цены позиций уже рассчитаны
// вызывающей стороной.
type CreateOrderInput struct {
	UserID      *int64
	Customer    model.Customer
	Items       []model.OrderItem
	Delivery    model.Delivery
	TotalAmount int64
}

// PaymentSession содержит токен и адрес страницы оплаты созданной сессии.
type PaymentSession struct {
	Token       string
	RedirectURL string
	OrderID     string
}

func newOrderID() string {
	return fmt.Sprintf("ORD-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// CreateTransaction создаёт платёжную сессию у шлюза и сохраняет новый заказ
// в статусе pending. Если шлюз отказал, заказ не сохраняется.
func (s *Service) CreateTransaction(ctx context.Context, in CreateOrderInput) (*PaymentSession, error) {
	if err := validation.ValidateCustomer(in.Customer); err != nil {
		return nil, err
	}
	if err := validation.ValidateOrderTotal(in.Items, in.Delivery, ServiceFee, in.TotalAmount); err != nil {
		return nil, err
	}

	orderID := newOrderID()

	session, err := s.gateway.CreateSession(ctx, buildSessionRequest(orderID, in.Customer, in.Items, in.Delivery, in.TotalAmount))
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrGateway, err)
	}

	order := &model.Order{
		OrderID:     orderID,
		UserID:      in.UserID,
		Customer:    in.Customer,
		Items:       in.Items,
		Delivery:    in.Delivery,
		TotalAmount: in.TotalAmount,
		Payment: model.Payment{
			Method:        paymentMethod,
			Status:        model.OrderStatusPending,
			TransactionID: session.Token,
		},
		CreatedAt: time.Now(),
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	return &PaymentSession{
		Token:       session.Token,
		RedirectURL: session.RedirectURL,
		OrderID:     orderID,
	}, nil
}

func buildSessionRequest(gatewayOrderID string, customer model.Customer, items []model.OrderItem, delivery model.Delivery, total int64) gateway.SessionRequest {
	details := make([]gateway.ItemDetail, 0, len(items)+2)
	for _, item := range items {
		name := item.FileName
		// Шлюз ограничивает длину названия позиции.
		if len(name) > 50 {
			name = name[:50]
		}
		details = append(details, gateway.ItemDetail{
			ID:       "ITEM",
			Price:    item.Price,
			Quantity: 1,
			Name:     name,
		})
	}

	details = append(details,
		gateway.ItemDetail{
			ID:       "SHIPPING",
			Price:    delivery.Price,
			Quantity: 1,
			Name:     "Delivery: " + delivery.Method,
		},
		gateway.ItemDetail{
			ID:       "SERVICE_FEE",
			Price:    ServiceFee,
			Quantity: 1,
			Name:     "Service Fee",
		},
	)

	return gateway.SessionRequest{
		TransactionDetails: gateway.TransactionDetails{
			OrderID:     gatewayOrderID,
			GrossAmount: total,
		},
		CustomerDetails: gateway.CustomerDetails{
			FirstName: customer.Name,
			Email:     customer.Email,
			Phone:     customer.Phone,
			Address:   customer.Address,
		},
		ItemDetails: details,
	}
}

// mapGatewayStatus переводит пару статусов шлюза во внутренний статус заказа.
// Неизвестные комбинации трактуются как pending.
func mapGatewayStatus(transactionStatus, fraudStatus string) model.OrderStatus {
	switch transactionStatus {
	case "capture":
		if fraudStatus == "challenge" {
			return model.OrderStatusChallenge
		}
		if fraudStatus == "accept" {
			return model.OrderStatusPaid
		}
	case "settlement":
		return model.OrderStatusPaid
	case "cancel", "deny", "expire":
		return model.OrderStatusFailed
	case "pending":
		return model.OrderStatusPending
	}
	return model.OrderStatusPending
}

// classifyPaymentDetails определяет вид платёжного инструмента по полям ответа
// шлюза. Порядок проверок фиксирован: список виртуальных счетов, Permata,
// биллинг Mandiri, QRIS, электронные кошельки.
func classifyPaymentDetails(st *gateway.TransactionStatus) *model.PaymentDetails {
	switch {
	case len(st.VANumbers) > 0:
		return &model.PaymentDetails{
			Kind:     model.PaymentDetailsBankVA,
			Bank:     st.VANumbers[0].Bank,
			VANumber: st.VANumbers[0].VANumber,
		}
	case st.PermataVANumber != "":
		return &model.PaymentDetails{
			Kind:     model.PaymentDetailsPermata,
			Bank:     "permata",
			VANumber: st.PermataVANumber,
		}
	case st.BillKey != "" && st.BillerCode != "":
		return &model.PaymentDetails{
			Kind:       model.PaymentDetailsMandiriBill,
			Bank:       "mandiri",
			BillKey:    st.BillKey,
			BillerCode: st.BillerCode,
		}
	case st.PaymentType == "qris":
		issuer := st.Issuer
		if issuer == "" {
			issuer = "gopay"
		}
		return &model.PaymentDetails{
			Kind:     model.PaymentDetailsQRIS,
			Issuer:   issuer,
			Acquirer: st.Acquirer,
		}
	case st.PaymentType == "gopay" || st.PaymentType == "shopeepay":
		return &model.PaymentDetails{
			Kind:   model.PaymentDetailsEWallet,
			Issuer: st.PaymentType,
		}
	}
	return nil
}

// canApplyGatewayStatus сообщает, допустимо ли применить статус, полученный от
// шлюза, поверх текущего. Терминальные и фулфилмент-статусы шлюз не меняет;
// повторная доставка того же статуса допустима ради идемпотентности.
func canApplyGatewayStatus(current, next model.OrderStatus) bool {
	if next == current {
		return true
	}
	return current == model.OrderStatusPending || current == model.OrderStatusChallenge
}

// resolveOrderID находит логический идентификатор заказа по шлюзовому.
// Сначала таблица соответствий, затем прямой поиск, затем отбрасывание
// последнего суффикса для транзакций, созданных до появления таблицы.
func (s *Service) resolveOrderID(ctx context.Context, gatewayOrderID string) (string, error) {
	orderID, err := s.repo.ResolveGatewayOrder(ctx, gatewayOrderID)
	if err == nil {
		return orderID, nil
	}
	if !errors.Is(err, repository.ErrOrderNotFound) {
		return "", err
	}

	if _, err := s.repo.GetOrderByID(ctx, gatewayOrderID); err == nil {
		return gatewayOrderID, nil
	} else if !errors.Is(err, repository.ErrOrderNotFound) {
		return "", err
	}

	if idx := strings.LastIndex(gatewayOrderID, "-"); idx > 0 {
		stripped := gatewayOrderID[:idx]
		if _, err := s.repo.GetOrderByID(ctx, stripped); err == nil {
			return stripped, nil
		} else if !errors.Is(err, repository.ErrOrderNotFound) {
			return "", err
		}
	}

	return "", fmt.Errorf("%w: %s", repository.ErrOrderNotFound, gatewayOrderID)
}

// HandleNotification применяет асинхронное уведомление шлюза к заказу.
// Операция идемпотентна: повторная доставка того же уведомления перезаписывает
// те же значения.
func (s *Service) HandleNotification(ctx context.Context, n *gateway.TransactionStatus) error {
	if strings.HasPrefix(n.OrderID, testNotificationPrefix) {
		return nil
	}

	orderID, err := s.resolveOrderID(ctx, n.OrderID)
	if err != nil {
		return err
	}

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	next := mapGatewayStatus(n.TransactionStatus, n.FraudStatus)
	if !canApplyGatewayStatus(order.Payment.Status, next) {
		return nil
	}

	now := time.Now()
	upd := repository.PaymentUpdate{
		Status:          &next,
		TransactionTime: &now,
	}
	if n.PaymentType != "" {
		upd.PaymentType = &n.PaymentType
	}
	if details := classifyPaymentDetails(n); details != nil {
		upd.Details = details
	}

	return s.repo.UpdatePayment(ctx, orderID, upd)
}

// StatusResult содержит внутренний статус заказа и сырой статус шлюза.
type StatusResult struct {
	OrderStatus   model.OrderStatus
	GatewayStatus string
}

// CheckStatus синхронно опрашивает шлюз и применяет то же правило сверки, что
// и обработчик уведомлений. Запись выполняется только при смене статуса, чтобы
// не затирать более подробные реквизиты, сохранённые вебхуком.
func (s *Service) CheckStatus(ctx context.Context, orderID string) (*StatusResult, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	st, err := s.gateway.GetTransactionStatus(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: status query: %v", ErrGateway, err)
	}

	next := mapGatewayStatus(st.TransactionStatus, st.FraudStatus)

	// Отклонённый сверкой статус не показывается вызывающей стороне, иначе
	// ответ разойдётся с хранилищем.
	if !canApplyGatewayStatus(order.Payment.Status, next) {
		return &StatusResult{
			OrderStatus:   order.Payment.Status,
			GatewayStatus: st.TransactionStatus,
		}, nil
	}

	if next != order.Payment.Status {
		now := time.Now()
		upd := repository.PaymentUpdate{
			Status:          &next,
			TransactionTime: &now,
		}
		if st.PaymentType != "" {
			upd.PaymentType = &st.PaymentType
		}
		if err := s.repo.UpdatePayment(ctx, orderID, upd); err != nil {
			return nil, err
		}
	}

	return &StatusResult{
		OrderStatus:   next,
		GatewayStatus: st.TransactionStatus,
	}, nil
}

// Actor описывает аутентифицированного пользователя, совершающего операцию.
type Actor struct {
	UserID int64
	Role   model.Role
}

// RetryPayment создаёт новую платёжную сессию для заказа в статусе pending.
// Шлюз запрещает переиспользовать идентификатор транзакции, поэтому шлюзу
// отправляется производный идентификатор с временным суффиксом; логический
// идентификатор заказа не меняется.
func (s *Service) RetryPayment(ctx context.Context, orderID string, actor Actor) (*PaymentSession, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	owner := order.UserID != nil && *order.UserID == actor.UserID
	if !owner && actor.Role != model.RoleAdmin {
		return nil, ErrForbidden
	}

	if order.Payment.Status != model.OrderStatusPending {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, order.Payment.Status)
	}

	forkedID := fmt.Sprintf("%s-%d", order.OrderID, time.Now().UnixMilli())

	session, err := s.gateway.CreateSession(ctx, buildSessionRequest(forkedID, order.Customer, order.Items, order.Delivery, order.TotalAmount))
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", ErrGateway, err)
	}

	if err := s.repo.AttachGatewayTransaction(ctx, order.OrderID, forkedID, session.Token); err != nil {
		return nil, err
	}

	return &PaymentSession{
		Token:       session.Token,
		RedirectURL: session.RedirectURL,
		OrderID:     order.OrderID,
	}, nil
}

// OrderUpdate описывает частичное обновление заказа из панелей администратора
// и курьера.
type OrderUpdate struct {
	Status      *model.OrderStatus
	PaymentType *string
	Details     *model.PaymentDetails
}

// UpdateOrder применяет фулфилмент-переход или правку платёжных реквизитов и
// возвращает обновлённый заказ.
func (s *Service) UpdateOrder(ctx context.Context, orderID string, upd OrderUpdate) (*model.Order, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", validation.ErrValidation, *upd.Status)
	}

	err := s.repo.UpdatePayment(ctx, orderID, repository.PaymentUpdate{
		Status:      upd.Status,
		PaymentType: upd.PaymentType,
		Details:     upd.Details,
	})
	if err != nil {
		return nil, err
	}

	return s.repo.GetOrderByID(ctx, orderID)
}

// GetOrderByID возвращает заказ по логическому идентификатору.
func (s *Service) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	return s.repo.GetOrderByID(ctx, orderID)
}

// ListOrders возвращает заказы по фильтру. Статус "active" разворачивается в
// набор незавершённых статусов.
func (s *Service) ListOrders(ctx context.Context, userID *int64, status string) ([]model.Order, error) {
	filter := repository.OrderFilter{UserID: userID}

	switch {
	case status == "":
	case status == "active":
		filter.Statuses = model.ActiveStatuses()
	case model.OrderStatus(status).Valid():
		filter.Statuses = []model.OrderStatus{model.OrderStatus(status)}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", validation.ErrValidation, status)
	}

	return s.repo.ListOrders(ctx, filter)
}
