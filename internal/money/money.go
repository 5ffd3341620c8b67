// Package money содержит примитивы точной денежной арифметики.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ToCents переводит сумму в минорные единицы валюты. Используется только на
// границе с хранилищем и платёжным шлюзом.
func ToCents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// FromCents переводит минорные единицы обратно в десятичную сумму.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// Parse разбирает денежную сумму из строки с точностью до цента.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.Round(2), nil
}

// Percent возвращает указанный процент от суммы, округлённый до цента.
func Percent(d decimal.Decimal, percent int64) decimal.Decimal {
	return d.Mul(decimal.NewFromInt(percent)).Div(hundred).Round(2)
}

// Format возвращает сумму в виде строки с двумя знаками после запятой.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}
