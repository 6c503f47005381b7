package sqlutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Helper functions for converting between Go types and pgtype values

// ToPgUUID converts a Go UUID pointer to pgtype.UUID
func ToPgUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{Valid: false}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

// FromPgUUID converts pgtype.UUID to Go UUID pointer
func FromPgUUID(val pgtype.UUID) *uuid.UUID {
	if !val.Valid {
		return nil
	}
	id := uuid.UUID(val.Bytes)
	return &id
}

// ToPgTime converts a Go time pointer to pgtype.Timestamptz
func ToPgTime(val *time.Time) pgtype.Timestamptz {
	if val == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *val, Valid: true}
}

// FromPgTime converts pgtype.Timestamptz to Go time pointer
func FromPgTime(val pgtype.Timestamptz) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time
	return &t
}

// ToPgText converts a string-kinded pointer to pgtype.Text
func ToPgText[S ~string](val *S) pgtype.Text {
	if val == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: string(*val), Valid: true}
}

// FromPgText converts pgtype.Text to a string-kinded pointer
func FromPgText[S ~string](val pgtype.Text) *S {
	if !val.Valid {
		return nil
	}
	s := S(val.String)
	return &s
}

// ParseDecimal parses a numeric column selected as text.
func ParseDecimal(val string) (decimal.Decimal, error) {
	if val == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(val)
}
