// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/printflow-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderExists возвращается при коллизии идентификатора заказа.
	ErrOrderExists = errors.New("order already exists")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
)

// OrderFilter описывает условия выборки заказов.
type OrderFilter struct {
	UserID   *int64
	Statuses []model.OrderStatus
}

// PaymentUpdate описывает частичное обновление платёжной части заказа.
// Nil-поля остаются без изменений. Позиции и сумма заказа частичному
// обновлению не подлежат.
type PaymentUpdate struct {
	Status          *model.OrderStatus
	PaymentType     *string
	TransactionID   *string
	TransactionTime *time.Time
	Details         *model.PaymentDetails
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks; с
		// переподключением pgxpool справляется сам.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя и возвращает его идентификатор.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password_hash, role, phone, address)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		u.Name, u.Email, u.PasswordHash, string(u.Role), u.Phone, u.Address,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, email, password_hash, role, phone, address, created_at
		 FROM users WHERE email = $1`,
		email,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &role, &u.Phone, &u.Address, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// CreateOrder сохраняет новый заказ и регистрирует его собственный идентификатор
// как шлюзовый в таблице соответствий. Обе записи создаются в одной транзакции.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (
			order_id, user_id,
			customer_name, customer_phone, customer_email, customer_address,
			items, delivery_method, delivery_price, total_amount,
			payment_method, payment_status, transaction_id
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.OrderID, o.UserID,
		o.Customer.Name, o.Customer.Phone, o.Customer.Email, o.Customer.Address,
		itemsJSON, o.Delivery.Method, o.Delivery.Price, o.TotalAmount,
		o.Payment.Method, string(o.Payment.Status), o.Payment.TransactionID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrOrderExists, o.OrderID)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO gateway_transactions (gateway_order_id, order_id) VALUES ($1, $1)`,
		o.OrderID,
	)
	if err != nil {
		return fmt.Errorf("insert gateway transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

const orderColumns = `order_id, user_id,
	customer_name, customer_phone, customer_email, customer_address,
	items, delivery_method, delivery_price, total_amount,
	payment_method, payment_status, transaction_id, payment_type,
	transaction_time, payment_details, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o           model.Order
		itemsJSON   []byte
		status      string
		detailsJSON []byte
	)

	err := row.Scan(
		&o.OrderID, &o.UserID,
		&o.Customer.Name, &o.Customer.Phone, &o.Customer.Email, &o.Customer.Address,
		&itemsJSON, &o.Delivery.Method, &o.Delivery.Price, &o.TotalAmount,
		&o.Payment.Method, &status, &o.Payment.TransactionID, &o.Payment.PaymentType,
		&o.Payment.TransactionTime, &detailsJSON, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Payment.Status = model.OrderStatus(status)

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}

	if len(detailsJSON) > 0 {
		var details model.PaymentDetails
		if err := json.Unmarshal(detailsJSON, &details); err != nil {
			return nil, fmt.Errorf("unmarshal payment details: %w", err)
		}
		o.Payment.Details = &details
	}

	return &o, nil
}

// GetOrderByID возвращает заказ по его логическому идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`,
		orderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// ListOrders возвращает заказы по фильтру, отсортированные от новых к старым.
func (r *PostgresRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var conds []string
	var args []any

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("payment_status = ANY($%d)", len(args)))
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// UpdatePayment применяет частичное обновление платёжной части заказа одним
// оператором UPDATE, чтобы конкурентные записи вебхука и ручного опроса не
// теряли чужих полей.
func (r *PostgresRepository) UpdatePayment(ctx context.Context, orderID string, upd PaymentUpdate) error {
	var statusArg *string
	if upd.Status != nil {
		s := string(*upd.Status)
		statusArg = &s
	}

	var detailsJSON []byte
	if upd.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(upd.Details)
		if err != nil {
			return fmt.Errorf("marshal payment details: %w", err)
		}
	}

	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE orders SET
				payment_status   = COALESCE($2, payment_status),
				payment_type     = COALESCE($3, payment_type),
				transaction_id   = COALESCE($4, transaction_id),
				transaction_time = COALESCE($5, transaction_time),
				payment_details  = COALESCE($6, payment_details)
			 WHERE order_id = $1`,
			orderID, statusArg, upd.PaymentType, upd.TransactionID, upd.TransactionTime, detailsJSON,
		)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}

		return nil
	})
}

// AttachGatewayTransaction регистрирует новый шлюзовый идентификатор заказа и
// сохраняет токен новой платёжной сессии. Логический идентификатор заказа не меняется.
func (r *PostgresRepository) AttachGatewayTransaction(ctx context.Context, orderID, gatewayOrderID, token string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO gateway_transactions (gateway_order_id, order_id) VALUES ($1, $2)
		 ON CONFLICT (gateway_order_id) DO NOTHING`,
		gatewayOrderID, orderID,
	)
	if err != nil {
		return fmt.Errorf("insert gateway transaction: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE orders SET transaction_id = $2 WHERE order_id = $1`,
		orderID, token,
	)
	if err != nil {
		return fmt.Errorf("update transaction token: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ResolveGatewayOrder возвращает логический идентификатор заказа по шлюзовому
// идентификатору транзакции.
func (r *PostgresRepository) ResolveGatewayOrder(ctx context.Context, gatewayOrderID string) (string, error) {
	var orderID string
	err := r.pool.QueryRow(ctx,
		`SELECT order_id FROM gateway_transactions WHERE gateway_order_id = $1`,
		gatewayOrderID,
	).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrOrderNotFound
		}
		return "", fmt.Errorf("resolve gateway order: %w", err)
	}

	return orderID, nil
}
