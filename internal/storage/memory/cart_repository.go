package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
)

// cartRepositoryInMemory хранит корзины по клиенту.
type cartRepositoryInMemory struct {
	mu    sync.RWMutex
	lines map[string][]domain.CartLine
}

// NewCartRepository создаёт in-memory корзину.
func NewCartRepository() *cartRepositoryInMemory {
	return &cartRepositoryInMemory{lines: make(map[string][]domain.CartLine)}
}

// Add добавляет строку в корзину клиента.
func (r *cartRepositoryInMemory) Add(line domain.CartLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[line.CustomerID] = append(r.lines[line.CustomerID], line)
}

func (r *cartRepositoryInMemory) ListByCustomer(_ context.Context, customerID string) ([]domain.CartLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lines := r.lines[customerID]
	result := make([]domain.CartLine, len(lines))
	copy(result, lines)
	return result, nil
}

func (r *cartRepositoryInMemory) ClearByCustomer(_ context.Context, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lines, customerID)
	return nil
}

var _ domain.CartRepository = (*cartRepositoryInMemory)(nil)

// addressRepositoryInMemory — адресная книга.
type addressRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Address
}

// NewAddressRepository создаёт in-memory адресную книгу.
func NewAddressRepository() *addressRepositoryInMemory {
	return &addressRepositoryInMemory{items: make(map[string]domain.Address)}
}

// Put сохраняет адрес.
func (r *addressRepositoryInMemory) Put(addr domain.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[addr.ID] = addr
}

func (r *addressRepositoryInMemory) Get(_ context.Context, id string) (domain.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, ok := r.items[id]
	if !ok {
		return domain.Address{}, domain.ErrAddressBookMissing
	}
	return addr, nil
}

var _ domain.AddressRepository = (*addressRepositoryInMemory)(nil)
