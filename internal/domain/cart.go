package domain

import "strings"

// CartLine — строка корзины клиента.
type CartLine struct {
	ID         string
	CustomerID string
	Name       string
	DishID     string
	SetmealID  string
	Flavor     string
	Qty        int32
	PriceMinor int64
}

// Address — запись адресной книги клиента.
type Address struct {
	ID         string
	CustomerID string
	Consignee  string
	Phone      string
	Province   string
	City       string
	District   string
	Detail     string
}

// FullAddress склеивает непустые части адреса.
func (a Address) FullAddress() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{a.Province, a.City, a.District, a.Detail} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// CartTotal считает сумму корзины в минимальных денежных единицах.
func CartTotal(lines []CartLine) int64 {
	var total int64
	for _, l := range lines {
		total += int64(l.Qty) * l.PriceMinor
	}
	return total
}
