// Package model содержит доменные сущности сервиса printflow.
package model

import "time"

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleCourier Role = "courier"
)

// User представляет зарегистрированного пользователя печатного сервиса.
type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash []byte
	Role         Role
	Phone        string
	Address      string
	CreatedAt    time.Time
}

// OrderStatus описывает статус заказа в платёжном конечном автомате.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusChallenge  OrderStatus = "challenge"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
)

// Valid сообщает, входит ли значение в перечисление статусов заказа.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusChallenge,
		OrderStatusProcessing, OrderStatusShipped, OrderStatusCompleted, OrderStatusFailed:
		return true
	}
	return false
}

// Terminal сообщает, является ли статус терминальным для обновлений со стороны шлюза.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed
}

// ActiveStatuses возвращает статусы, попадающие в производную выборку "active".
func ActiveStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPaid,
		OrderStatusPending,
		OrderStatusProcessing,
		OrderStatusShipped,
	}
}

// ItemSettings содержит параметры печати, выбранные для одной позиции заказа.
type ItemSettings struct {
	Color     string `json:"color"`
	PaperSize string `json:"paperSize"`
	Copies    int    `json:"copies"`
	Binding   string `json:"binding,omitempty"`
}

// OrderItem описывает одну позицию заказа. Цена фиксируется при создании и
// далее не пересчитывается.
type OrderItem struct {
	FileName    string       `json:"fileName"`
	FileSize    string       `json:"fileSize,omitempty"`
	PageCount   int          `json:"pageCount"`
	ServiceType string       `json:"serviceType"`
	Settings    ItemSettings `json:"settings"`
	Price       int64        `json:"price"`
}

// Customer содержит снимок контактных данных покупателя на момент заказа.
type Customer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

// Delivery описывает выбранный способ доставки и его стоимость.
type Delivery struct {
	Method string `json:"method"`
	Price  int64  `json:"price"`
}

// PaymentDetailsKind определяет вид платёжного инструмента.
type PaymentDetailsKind string

const (
	PaymentDetailsBankVA      PaymentDetailsKind = "bank_va"
	PaymentDetailsPermata     PaymentDetailsKind = "permata"
	PaymentDetailsMandiriBill PaymentDetailsKind = "mandiri_bill"
	PaymentDetailsQRIS        PaymentDetailsKind = "qris"
	PaymentDetailsEWallet     PaymentDetailsKind = "ewallet"
)

// PaymentDetails содержит реквизиты платёжного инструмента, сообщённые шлюзом.
// Заполненные поля зависят от вида инструмента.
type PaymentDetails struct {
	Kind       PaymentDetailsKind `json:"kind"`
	Bank       string             `json:"bank,omitempty"`
	VANumber   string             `json:"vaNumber,omitempty"`
	BillKey    string             `json:"billKey,omitempty"`
	BillerCode string             `json:"billerCode,omitempty"`
	Issuer     string             `json:"issuer,omitempty"`
	Acquirer   string             `json:"acquirer,omitempty"`
}

// Payment содержит платёжную часть заказа, обновляемую при сверке со шлюзом.
type Payment struct {
	Method          string
	Status          OrderStatus
	TransactionID   string
	PaymentType     string
	TransactionTime *time.Time
	Details         *PaymentDetails
}

// Order является корневой сущностью заказа. OrderID служит логической
// идентичностью заказа и не меняется при повторных попытках оплаты.
type Order struct {
	OrderID     string
	UserID      *int64
	Customer    Customer
	Items       []OrderItem
	Delivery    Delivery
	TotalAmount int64
	Payment     Payment
	CreatedAt   time.Time
}
