package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alejandrodnm/likeli/internal/domain"
)

// MemoryStore implementa ports.Store en memoria. Se usa en tests y en la demo.
// Todo lo que entra y sale se clona: nadie fuera del store comparte punteros
// con su estado.
type MemoryStore struct {
	mu             sync.Mutex
	initialBalance float64

	contracts     map[string]*domain.Contract
	contractOrder []string
	users         map[string]*domain.User
	metrics       map[string]*domain.Metric
	metricOrder   []string
	bets          map[string][]*domain.Bet
	prices        map[string][]domain.PricePoint
	orders        map[string]*domain.Bet
	orderIDs      []string
}

// NewMemoryStore crea un store vacío. Los usuarios nuevos arrancan con
// initialBalance.
func NewMemoryStore(initialBalance float64) *MemoryStore {
	return &MemoryStore{
		initialBalance: initialBalance,
		contracts:      make(map[string]*domain.Contract),
		users:          make(map[string]*domain.User),
		metrics:        make(map[string]*domain.Metric),
		bets:           make(map[string][]*domain.Bet),
		prices:         make(map[string][]domain.PricePoint),
		orders:         make(map[string]*domain.Bet),
	}
}

// GetContract devuelve una copia del contrato.
func (s *MemoryStore) GetContract(_ context.Context, id string) (*domain.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("storage.GetContract: %s: %w", id, domain.ErrNotFound)
	}
	return c.Clone(), nil
}

// SaveContract reemplaza el contrato completo.
func (s *MemoryStore) SaveContract(_ context.Context, c *domain.Contract) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("storage.SaveContract: empty contract: %w", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.ID]; !ok {
		s.contractOrder = append(s.contractOrder, c.ID)
	}
	s.contracts[c.ID] = c.Clone()
	return nil
}

// ListContracts devuelve los contratos en orden de creación.
func (s *MemoryStore) ListContracts(_ context.Context, phase domain.Phase) ([]*domain.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Contract
	for _, id := range s.contractOrder {
		c := s.contracts[id]
		if phase == "" || c.Phase == phase {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// GetOrCreateUser devuelve el usuario, creándolo con el saldo inicial.
func (s *MemoryStore) GetOrCreateUser(_ context.Context, id string) (*domain.User, error) {
	if id == "" {
		return nil, fmt.Errorf("storage.GetOrCreateUser: empty id: %w", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(id)
	out := *u
	return &out, nil
}

// UpdateUserBalance suma delta al saldo si no lo deja negativo.
func (s *MemoryStore) UpdateUserBalance(_ context.Context, id string, delta float64) (*domain.User, error) {
	if id == "" {
		return nil, fmt.Errorf("storage.UpdateUserBalance: empty id: %w", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(id)
	next := u.Balance + delta
	if next < -balanceDust {
		return nil, fmt.Errorf("storage.UpdateUserBalance: %s has %.6f, delta %.6f: %w",
			id, u.Balance, delta, domain.ErrInsufficientBalance)
	}
	u.Balance = max(next, 0)
	out := *u
	return &out, nil
}

func (s *MemoryStore) user(id string) *domain.User {
	u, ok := s.users[id]
	if !ok {
		u = &domain.User{ID: id, Balance: s.initialBalance, CreatedTime: time.Now().UTC()}
		s.users[id] = u
	}
	return u
}

// GetOrCreateMetric devuelve la posición, vacía si no existía.
func (s *MemoryStore) GetOrCreateMetric(_ context.Context, userID, contractID, answerID string) (*domain.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.MetricKey(userID, contractID, answerID)
	m, ok := s.metrics[key]
	if !ok {
		return &domain.Metric{UserID: userID, ContractID: contractID, AnswerID: answerID}, nil
	}
	out := *m
	return &out, nil
}

// UpdateMetric guarda la posición.
func (s *MemoryStore) UpdateMetric(_ context.Context, m *domain.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.Key()
	if _, ok := s.metrics[key]; !ok {
		s.metricOrder = append(s.metricOrder, key)
	}
	v := *m
	s.metrics[key] = &v
	return nil
}

// ListMetrics devuelve las posiciones de un contrato.
func (s *MemoryStore) ListMetrics(_ context.Context, contractID string) ([]*domain.Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Metric
	for _, key := range s.metricOrder {
		m := s.metrics[key]
		if m.ContractID == contractID {
			v := *m
			out = append(out, &v)
		}
	}
	return out, nil
}

// AddBet añade una apuesta ejecutada.
func (s *MemoryStore) AddBet(_ context.Context, b *domain.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets[b.ContractID] = append(s.bets[b.ContractID], b.Clone())
	return nil
}

// GetBets devuelve las apuestas de un contrato en orden de inserción.
func (s *MemoryStore) GetBets(_ context.Context, contractID string) ([]*domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Bet, 0, len(s.bets[contractID]))
	for _, b := range s.bets[contractID] {
		out = append(out, b.Clone())
	}
	return out, nil
}

// AddPricePoint añade un punto a la serie de un contrato, conservando los
// últimos domain.MaxPriceHistory.
func (s *MemoryStore) AddPricePoint(_ context.Context, contractID string, pt domain.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts := append(s.prices[contractID], pt)
	if n := len(pts); n > domain.MaxPriceHistory {
		pts = slices.Clone(pts[n-domain.MaxPriceHistory:])
	}
	s.prices[contractID] = pts
	return nil
}

// PriceHistory devuelve la serie de precios persistida.
func (s *MemoryStore) PriceHistory(_ context.Context, contractID string) ([]domain.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.prices[contractID]), nil
}

// SaveLimitOrder hace upsert de la orden por ID.
func (s *MemoryStore) SaveLimitOrder(_ context.Context, o *domain.Bet) error {
	if o == nil || o.ID == "" || !o.IsLimitOrder() {
		return fmt.Errorf("storage.SaveLimitOrder: not a limit order: %w", domain.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		s.orderIDs = append(s.orderIDs, o.ID)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

// GetLimitOrders devuelve las órdenes de un contrato en orden de creación.
func (s *MemoryStore) GetLimitOrders(_ context.Context, contractID string) ([]*domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Bet
	for _, id := range s.orderIDs {
		if o := s.orders[id]; o.ContractID == contractID {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// FindLimitOrder busca una orden por ID.
func (s *MemoryStore) FindLimitOrder(_ context.Context, orderID string) (*domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("storage.FindLimitOrder: %s: %w", orderID, domain.ErrNotFound)
	}
	return o.Clone(), nil
}

// ListOpenLimitOrders devuelve las órdenes abiertas de todos los contratos.
func (s *MemoryStore) ListOpenLimitOrders(_ context.Context) ([]*domain.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Bet
	for _, id := range s.orderIDs {
		if o := s.orders[id]; o.IsOpen() {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

// Close no hace nada: no hay recursos que liberar.
func (s *MemoryStore) Close() error { return nil }
