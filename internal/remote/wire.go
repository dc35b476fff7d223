package remote

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
)

// Transaction is the remote document of a transaction. Amount is a decimal
// string; Date encodes as an RFC 3339 timestamp in JSON and as a native
// timestamp in Firestore.
type Transaction struct {
	ID           string    `json:"id" firestore:"id"`
	Amount       string    `json:"amount" firestore:"amount"`
	Date         time.Time `json:"date" firestore:"date"`
	IsIncome     bool      `json:"isIncome" firestore:"isIncome"`
	CategoryID   string    `json:"categoryId" firestore:"categoryId"`
	CategoryName string    `json:"categoryName" firestore:"categoryName"`
}

type Category struct {
	ID   string `json:"id" firestore:"id"`
	Name string `json:"name" firestore:"name"`
}

type Profile struct {
	ID            string    `json:"id" firestore:"id"`
	Name          string    `json:"name" firestore:"name"`
	Email         string    `json:"email" firestore:"email"`
	LastSyncDate  time.Time `json:"lastSyncDate" firestore:"lastSyncDate"`
	NextSyncDate  time.Time `json:"nextSyncDate" firestore:"nextSyncDate"`
	EmailVerified bool      `json:"emailVerified" firestore:"emailVerified"`
}

// FromLocal translates a local transaction. An empty category name is sent
// as core.UnknownCategoryName.
func FromLocal(t core.Transaction, categoryName string) Transaction {
	if strings.TrimSpace(categoryName) == "" {
		categoryName = core.UnknownCategoryName
	}
	return Transaction{
		ID:           t.ID,
		Amount:       t.Amount.String(),
		Date:         core.NormalizeTime(t.Date),
		IsIncome:     t.IsIncome,
		CategoryID:   t.CategoryID,
		CategoryName: categoryName,
	}
}

// ParseAmount decodes the amount field.
func (t Transaction) ParseAmount() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(t.Amount)
	if err != nil {
		return decimal.Zero, apperror.Validation("amount", "invalid remote amount "+t.Amount)
	}
	if err := core.ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return apperror.Validation("id", "transaction id cannot be empty")
	}
	if t.Date.IsZero() {
		return apperror.Validation("date", "transaction date cannot be zero")
	}
	if strings.TrimSpace(t.CategoryID) == "" {
		return apperror.Validation("categoryId", "transaction category cannot be empty")
	}
	_, err := t.ParseAmount()
	return err
}

func ProfileFromUser(u core.User) Profile {
	return Profile{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		LastSyncDate:  core.NormalizeTime(u.LastSyncDate),
		NextSyncDate:  core.NormalizeTime(u.NextSyncDate),
		EmailVerified: u.EmailVerified,
	}
}

func CategoryFromLocal(c core.Category) Category {
	return Category{ID: c.ID, Name: c.Name}
}
