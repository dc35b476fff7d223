package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id, category string, amount string, income bool, date time.Time) Transaction {
	return Transaction{
		ID:          id,
		Date:        date,
		Amount:      decimal.RequireFromString(amount),
		IsIncome:    income,
		CategoryID:  category,
		OwnerUserID: "u1",
	}
}

func TestSummarize(t *testing.T) {
	day := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	categories := []Category{
		{ID: "groceries", Name: "Groceries", OwnerUserID: "u1"},
		{ID: "salary", Name: "Salary", OwnerUserID: "u1"},
		{ID: "dining", Name: "Dining Out", OwnerUserID: "u1"},
	}
	txs := []Transaction{
		tx("1", "salary", "2000", true, day),
		tx("2", "groceries", "120.50", false, day),
		tx("3", "groceries", "30", false, day),
		tx("4", "dining", "60", false, day),
		tx("5", "gone", "10", false, day),
	}

	s := Summarize(txs, categories)

	assert.Equal(t, 5, s.Count)
	assert.Equal(t, "2000", s.Income.String())
	assert.Equal(t, "220.5", s.Expense.String())
	assert.Equal(t, "1779.5", s.Balance.String())
	require.Len(t, s.ByCategory, 3)
	assert.Equal(t, "Groceries", s.ByCategory[0].Name)
	assert.Equal(t, "150.5", s.ByCategory[0].Amount.String())
	assert.Equal(t, "Dining Out", s.ByCategory[1].Name)
	assert.Equal(t, UnknownCategoryName, s.ByCategory[2].Name)
	assert.Equal(t, "", s.ByCategory[2].CategoryID)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, nil)
	assert.True(t, s.Balance.IsZero())
	assert.Empty(t, s.ByCategory)
}

func TestCategoryPeriodTotals(t *testing.T) {
	// Wednesday 2024-06-12
	now := time.Date(2024, 6, 12, 18, 0, 0, 0, time.UTC)
	txs := []Transaction{
		tx("1", "c", "10", false, time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)), // same week
		tx("2", "c", "20", false, time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)),  // same month
		tx("3", "c", "40", false, time.Date(2024, 1, 3, 8, 0, 0, 0, time.UTC)),  // same year
		tx("4", "c", "80", false, time.Date(2023, 6, 12, 8, 0, 0, 0, time.UTC)), // last year
		tx("5", "c", "500", true, time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC)), // income ignored
		tx("6", "other", "7", false, now),
	}

	p := CategoryPeriodTotals(txs, "c", now)

	assert.Equal(t, "10", p.Week.String())
	assert.Equal(t, "30", p.Month.String())
	assert.Equal(t, "70", p.Year.String())
}

func TestGroupByDay(t *testing.T) {
	d1 := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 6, 14, 9, 0, 0, 0, time.UTC)
	txs := []Transaction{
		tx("a", "c", "1", false, d1),
		tx("b", "c", "2", false, d2),
		tx("c", "c", "3", false, d1.Add(2*time.Hour)),
	}

	groups := GroupByDay(txs, time.UTC)

	require.Len(t, groups, 2)
	assert.Equal(t, 14, groups[0].Day.Day())
	assert.Len(t, groups[0].Transactions, 1)
	assert.Equal(t, 12, groups[1].Day.Day())
	assert.Equal(t, "a", groups[1].Transactions[0].ID)
	assert.Equal(t, "c", groups[1].Transactions[1].ID)
}
