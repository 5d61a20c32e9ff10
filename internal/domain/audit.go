package domain

import "time"

// OperationKind различает вставку и обновление при заполнении аудит-полей.
type OperationKind int

const (
	OperationInsert OperationKind = iota + 1
	OperationUpdate
)

// Audit хранит служебные поля: кто и когда создал/изменил запись.
type Audit struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string
}

// AuditFields вычисляет аудит-поля для операции. Чистая функция:
// актор и время передаются явно.
func AuditFields(kind OperationKind, actorID string, now time.Time) Audit {
	now = now.UTC()
	if kind == OperationInsert {
		return Audit{
			CreatedAt: now,
			UpdatedAt: now,
			CreatedBy: actorID,
			UpdatedBy: actorID,
		}
	}
	return Audit{UpdatedAt: now, UpdatedBy: actorID}
}

// Merge накладывает аудит-поля на текущие. Пустые значения не затирают существующие,
// поэтому при обновлении сохраняются CreatedAt/CreatedBy.
func (a Audit) Merge(next Audit) Audit {
	if !next.CreatedAt.IsZero() {
		a.CreatedAt = next.CreatedAt
	}
	if next.CreatedBy != "" {
		a.CreatedBy = next.CreatedBy
	}
	if !next.UpdatedAt.IsZero() {
		a.UpdatedAt = next.UpdatedAt
	}
	if next.UpdatedBy != "" {
		a.UpdatedBy = next.UpdatedBy
	}
	return a
}
