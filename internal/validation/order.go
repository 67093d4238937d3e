// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/printflow-system/internal/model"
)

// ErrValidation возвращается при некорректных входных данных заказа.
var ErrValidation = errors.New("validation failed")

// ValidateCustomer проверяет обязательные контактные данные покупателя.
func ValidateCustomer(c model.Customer) error {
	if c.Name == "" {
		return fmt.Errorf("%w: customer name is required", ErrValidation)
	}
	if c.Phone == "" {
		return fmt.Errorf("%w: customer phone is required", ErrValidation)
	}
	if c.Email == "" {
		return fmt.Errorf("%w: customer email is required", ErrValidation)
	}
	return nil
}

// ValidateOrderTotal проверяет, что заявленная сумма заказа равна сумме
// позиций, доставки и сервисного сбора. Сумма фиксируется при создании и
// позже не пересчитывается.
func ValidateOrderTotal(items []model.OrderItem, delivery model.Delivery, serviceFee, total int64) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrValidation)
	}

	var sum int64
	for _, item := range items {
		if item.Price < 0 {
			return fmt.Errorf("%w: item price must not be negative", ErrValidation)
		}
		sum += item.Price
	}
	sum += delivery.Price + serviceFee

	if sum != total {
		return fmt.Errorf("%w: total amount %d does not match items sum %d", ErrValidation, total, sum)
	}

	return nil
}
