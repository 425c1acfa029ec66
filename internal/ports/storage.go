package ports

import (
	"context"

	"github.com/alejandrodnm/likeli/internal/domain"
)

// ContractStore persiste contratos. Los getters devuelven copias: el core muta
// su copia y la guarda con SaveContract dentro del lock del contrato.
type ContractStore interface {
	// GetContract devuelve domain.ErrNotFound si el contrato no existe.
	GetContract(ctx context.Context, id string) (*domain.Contract, error)
	SaveContract(ctx context.Context, c *domain.Contract) error
	// ListContracts filtra por fase; una fase vacía devuelve todos.
	ListContracts(ctx context.Context, phase domain.Phase) ([]*domain.Contract, error)
}

// UserStore persiste usuarios y su saldo.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, id string) (*domain.User, error)
	// UpdateUserBalance suma delta de forma atómica. Nunca deja el saldo
	// negativo: en ese caso devuelve domain.ErrInsufficientBalance sin cambios.
	UpdateUserBalance(ctx context.Context, id string, delta float64) (*domain.User, error)
}

// MetricStore persiste las posiciones (userId, contractId, answerId?).
type MetricStore interface {
	GetOrCreateMetric(ctx context.Context, userID, contractID, answerID string) (*domain.Metric, error)
	UpdateMetric(ctx context.Context, m *domain.Metric) error
	ListMetrics(ctx context.Context, contractID string) ([]*domain.Metric, error)
}

// BetStore persiste las apuestas ejecutadas y la serie de precios.
type BetStore interface {
	AddBet(ctx context.Context, b *domain.Bet) error
	GetBets(ctx context.Context, contractID string) ([]*domain.Bet, error)
	AddPricePoint(ctx context.Context, contractID string, pt domain.PricePoint) error
	PriceHistory(ctx context.Context, contractID string) ([]domain.PricePoint, error)
}

// OrderStore persiste las órdenes límite. SaveLimitOrder hace upsert por ID.
type OrderStore interface {
	SaveLimitOrder(ctx context.Context, o *domain.Bet) error
	// GetLimitOrders devuelve las órdenes del contrato en orden de creación.
	GetLimitOrders(ctx context.Context, contractID string) ([]*domain.Bet, error)
	// FindLimitOrder devuelve domain.ErrNotFound si la orden no existe.
	FindLimitOrder(ctx context.Context, orderID string) (*domain.Bet, error)
	// ListOpenLimitOrders devuelve las órdenes abiertas de todos los contratos.
	ListOpenLimitOrders(ctx context.Context) ([]*domain.Bet, error)
}

// Store agrupa todos los repositorios que usa el engine.
type Store interface {
	ContractStore
	UserStore
	MetricStore
	BetStore
	OrderStore

	// Close cierra la conexión a la base de datos limpiamente.
	Close() error
}
