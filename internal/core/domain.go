package core

import (
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/shopspring/decimal"

	"moneycheck/internal/apperror"
)

// UnknownCategoryName labels a transaction whose category link is missing.
const UnknownCategoryName = "Unknown"

// DefaultCategoryNames are created for every user at sign-up.
var DefaultCategoryNames = []string{
	"Groceries",
	"Transport",
	"Utilities",
	"Entertainment",
	"Healthcare",
	"Clothing",
	"Dining Out",
	"Salary",
	"Investments",
	"Freelance",
}

type (
	User struct {
		ID            string
		Name          string
		Email         string
		LastSyncDate  time.Time
		NextSyncDate  time.Time
		EmailVerified bool
	}

	Category struct {
		ID          string
		Name        string
		OwnerUserID string
	}

	// Transaction amounts are magnitudes; IsIncome carries the sign.
	Transaction struct {
		ID          string
		Date        time.Time
		Amount      decimal.Decimal
		IsIncome    bool
		CategoryID  string
		OwnerUserID string
		Synced      bool
		// Version is bumped by every content update.
		Version int64
	}

	UserPatch struct {
		Name          *string
		Email         *string
		LastSyncDate  *time.Time
		NextSyncDate  *time.Time
		EmailVerified *bool
	}

	CategoryPatch struct {
		Name *string
	}

	TransactionPatch struct {
		Date     *time.Time
		Amount   *decimal.Decimal
		IsIncome *bool
	}
)

// NewID returns a client-generated unique token.
func NewID() string {
	return xid.New().String()
}

// NormalizeTime converts t to UTC at microsecond precision, the finest
// resolution every store keeps.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Microsecond)
}

func (u User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return apperror.Validation("id", "user id cannot be empty")
	}
	if u.Email != "" && !strings.Contains(u.Email, "@") {
		return apperror.Validation("email", "invalid email "+u.Email)
	}
	return nil
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return apperror.Validation("id", "category id cannot be empty")
	}
	if strings.TrimSpace(c.Name) == "" {
		return apperror.Validation("name", "category name cannot be empty")
	}
	if strings.TrimSpace(c.OwnerUserID) == "" {
		return apperror.Validation("owner_user_id", "category owner cannot be empty")
	}
	return nil
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return apperror.Validation("id", "transaction id cannot be empty")
	}
	if t.Date.IsZero() {
		return apperror.Validation("date", "transaction date cannot be zero")
	}
	if err := ValidateAmount(t.Amount); err != nil {
		return err
	}
	if strings.TrimSpace(t.CategoryID) == "" {
		return apperror.Validation("category_id", "transaction category cannot be empty")
	}
	if strings.TrimSpace(t.OwnerUserID) == "" {
		return apperror.Validation("owner_user_id", "transaction owner cannot be empty")
	}
	return nil
}

// Equal compares by value; time and decimal fields use their own equality.
func (u User) Equal(o User) bool {
	return u.ID == o.ID &&
		u.Name == o.Name &&
		u.Email == o.Email &&
		u.LastSyncDate.Equal(o.LastSyncDate) &&
		u.NextSyncDate.Equal(o.NextSyncDate) &&
		u.EmailVerified == o.EmailVerified
}

func (c Category) Equal(o Category) bool {
	return c == o
}

func (t Transaction) Equal(o Transaction) bool {
	return t.ID == o.ID &&
		t.Date.Equal(o.Date) &&
		t.Amount.Equal(o.Amount) &&
		t.IsIncome == o.IsIncome &&
		t.CategoryID == o.CategoryID &&
		t.OwnerUserID == o.OwnerUserID &&
		t.Synced == o.Synced &&
		t.Version == o.Version
}

// SignedAmount is positive for income and negative for expenses.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.IsIncome {
		return t.Amount
	}
	return t.Amount.Neg()
}

func (p UserPatch) Apply(u *User) {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.LastSyncDate != nil {
		u.LastSyncDate = NormalizeTime(*p.LastSyncDate)
	}
	if p.NextSyncDate != nil {
		u.NextSyncDate = NormalizeTime(*p.NextSyncDate)
	}
	if p.EmailVerified != nil {
		u.EmailVerified = *p.EmailVerified
	}
}

func (p CategoryPatch) Apply(c *Category) {
	if p.Name != nil {
		c.Name = strings.TrimSpace(*p.Name)
	}
}

// ChangesContent reports whether the patch touches user-visible fields.
func (p TransactionPatch) ChangesContent() bool {
	return p.Date != nil || p.Amount != nil || p.IsIncome != nil
}

// Apply mutates t. Any update leaves t unsynced; a content change also
// bumps the version.
func (p TransactionPatch) Apply(t *Transaction) {
	if p.Date != nil {
		t.Date = NormalizeTime(*p.Date)
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.IsIncome != nil {
		t.IsIncome = *p.IsIncome
	}
	if p.ChangesContent() {
		t.Version++
	}
	t.Synced = false
}
