package core

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CategoryAmount is an expense total aggregated by category.
type CategoryAmount struct {
	CategoryID string
	Name       string
	Amount     decimal.Decimal
}

// Summary is the budget overview of a set of transactions.
type Summary struct {
	Income     decimal.Decimal
	Expense    decimal.Decimal
	Balance    decimal.Decimal // Income - Expense
	Count      int
	ByCategory []CategoryAmount // expenses only, largest first
}

// PeriodTotals are the expense totals of one category for the calendar
// week, month and year containing a reference time.
type PeriodTotals struct {
	Week  decimal.Decimal
	Month decimal.Decimal
	Year  decimal.Decimal
}

// DayGroup holds the transactions falling on one calendar day.
type DayGroup struct {
	Day          time.Time
	Transactions []Transaction
}

// Summarize totals txs. Categories resolve names; a transaction whose
// category is not in the list is reported under UnknownCategoryName.
func Summarize(txs []Transaction, categories []Category) Summary {
	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}

	s := Summary{Income: decimal.Zero, Expense: decimal.Zero, Count: len(txs)}
	byCategory := make(map[string]decimal.Decimal)
	for _, t := range txs {
		if t.IsIncome {
			s.Income = s.Income.Add(t.Amount)
			continue
		}
		s.Expense = s.Expense.Add(t.Amount)
		key := t.CategoryID
		if _, ok := names[key]; !ok {
			key = ""
		}
		byCategory[key] = byCategory[key].Add(t.Amount)
	}
	s.Balance = s.Income.Sub(s.Expense)

	for id, amount := range byCategory {
		name, ok := names[id]
		if !ok {
			name = UnknownCategoryName
		}
		s.ByCategory = append(s.ByCategory, CategoryAmount{CategoryID: id, Name: name, Amount: amount})
	}
	sort.Slice(s.ByCategory, func(i, j int) bool {
		a, b := s.ByCategory[i], s.ByCategory[j]
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c > 0
		}
		return a.Name < b.Name
	})
	return s
}

// CategoryPeriodTotals sums the expenses of categoryID in the ISO week,
// month and year of now, evaluated in now's location.
func CategoryPeriodTotals(txs []Transaction, categoryID string, now time.Time) PeriodTotals {
	loc := now.Location()
	year, week := now.ISOWeek()
	month := now.Month()

	p := PeriodTotals{Week: decimal.Zero, Month: decimal.Zero, Year: decimal.Zero}
	for _, t := range txs {
		if t.IsIncome || t.CategoryID != categoryID {
			continue
		}
		d := t.Date.In(loc)
		if d.Year() == now.Year() {
			p.Year = p.Year.Add(t.Amount)
			if d.Month() == month {
				p.Month = p.Month.Add(t.Amount)
			}
		}
		if y, w := d.ISOWeek(); y == year && w == week {
			p.Week = p.Week.Add(t.Amount)
		}
	}
	return p
}

// GroupByDay buckets txs by calendar day in loc, newest day first. Order
// within a day follows the input order.
func GroupByDay(txs []Transaction, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.UTC
	}
	index := make(map[time.Time]int)
	var groups []DayGroup
	for _, t := range txs {
		d := t.Date.In(loc)
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, DayGroup{Day: day})
		}
		groups[i].Transactions = append(groups[i].Transactions, t)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Day.After(groups[j].Day)
	})
	return groups
}
