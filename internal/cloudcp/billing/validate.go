package billing

import (
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/navalha/navalha/internal/cloudcp/identity"
	"github.com/navalha/navalha/internal/cloudcp/registry"
)

// SignupRequest is the self-service signup payload.
type SignupRequest struct {
	Name          string                 `json:"name"`
	Email         string                 `json:"email"`
	Password      string                 `json:"password"`
	TaxID         string                 `json:"taxId"`
	Phone         string                 `json:"phone"`
	Plan          registry.Plan          `json:"plan"`
	SeatCount     int                    `json:"seatCount"`
	BillingMethod registry.BillingMethod `json:"billingMethod"`
	Card          *CardDetails           `json:"card,omitempty"`

	// RemoteIP is forwarded to the gateway for card risk analysis.
	RemoteIP string `json:"-"`
}

// CardDetails are passed straight to the gateway and never persisted.
type CardDetails struct {
	HolderName    string `json:"holderName"`
	Number        string `json:"number"`
	ExpiryMonth   string `json:"expiryMonth"`
	ExpiryYear    string `json:"expiryYear"`
	CVV           string `json:"cvv"`
	PostalCode    string `json:"postalCode"`
	AddressNumber string `json:"addressNumber"`
}

func (r SignupRequest) normalized() SignupRequest {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.TaxID = stripPunctuation(r.TaxID)
	r.Phone = identity.NormalizePhone(r.Phone)
	r.Plan = registry.Plan(strings.ToLower(strings.TrimSpace(string(r.Plan))))
	r.BillingMethod = registry.BillingMethod(strings.ToLower(strings.TrimSpace(string(r.BillingMethod))))
	if r.Card != nil {
		c := *r.Card
		c.HolderName = strings.TrimSpace(c.HolderName)
		c.Number = stripPunctuation(c.Number)
		c.ExpiryMonth = strings.TrimSpace(c.ExpiryMonth)
		c.ExpiryYear = strings.TrimSpace(c.ExpiryYear)
		c.CVV = strings.TrimSpace(c.CVV)
		c.PostalCode = stripPunctuation(c.PostalCode)
		c.AddressNumber = strings.TrimSpace(c.AddressNumber)
		r.Card = &c
	}
	return r
}

// Validate checks every field and reports all violations at once.
func (r SignupRequest) Validate(now time.Time) error {
	fields := make(map[string]string)

	if n := utf8.RuneCountInString(r.Name); n < 2 || n > 100 {
		fields["name"] = "must be between 2 and 100 characters"
	}
	if !isValidEmail(r.Email) {
		fields["email"] = "must be a valid email address"
	}
	if n := len(r.Password); n < 8 || n > 72 {
		fields["password"] = "must be between 8 and 72 characters"
	}
	if !isDigits(r.TaxID) || (len(r.TaxID) != 11 && len(r.TaxID) != 14) {
		fields["taxId"] = "must have 11 (CPF) or 14 (CNPJ) digits"
	}
	if !identity.ValidPhone(r.Phone) {
		fields["phone"] = "must have between 10 and 13 digits"
	}
	if !r.Plan.Valid() {
		fields["plan"] = "must be basic or premium"
	}
	if r.SeatCount < MinSeats || r.SeatCount > MaxSeats {
		fields["seatCount"] = "must be between 1 and 50"
	}
	if !r.BillingMethod.Valid() {
		fields["billingMethod"] = "must be card or transfer"
	}
	if r.BillingMethod == registry.BillingMethodCard {
		validateCard(r.Card, now, fields)
	}

	if len(fields) > 0 {
		return &InvalidInputError{Fields: fields}
	}
	return nil
}

func validateCard(c *CardDetails, now time.Time, fields map[string]string) {
	if c == nil {
		fields["card"] = "is required for card payments"
		return
	}
	if utf8.RuneCountInString(c.HolderName) < 2 {
		fields["card.holderName"] = "is required"
	}
	if !isDigits(c.Number) || len(c.Number) < 13 || len(c.Number) > 19 {
		fields["card.number"] = "must have between 13 and 19 digits"
	}
	month, monthErr := strconv.Atoi(c.ExpiryMonth)
	if monthErr != nil || month < 1 || month > 12 {
		fields["card.expiryMonth"] = "must be between 1 and 12"
	}
	year, yearErr := strconv.Atoi(c.ExpiryYear)
	switch {
	case yearErr != nil || len(c.ExpiryYear) != 4:
		fields["card.expiryYear"] = "must be a four-digit year"
	case year < now.Year():
		fields["card.expiryYear"] = "card is expired"
	case year == now.Year() && monthErr == nil && month < int(now.Month()):
		fields["card.expiryMonth"] = "card is expired"
	}
	if !isDigits(c.CVV) || len(c.CVV) < 3 || len(c.CVV) > 4 {
		fields["card.cvv"] = "must have 3 or 4 digits"
	}
	if !isDigits(c.PostalCode) || len(c.PostalCode) != 8 {
		fields["card.postalCode"] = "must have 8 digits"
	}
	if c.AddressNumber == "" {
		fields["card.addressNumber"] = "is required"
	}
}

func isValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	// Reject display-name forms like "Name <a@b.c>".
	return parsed.Address == email && strings.Contains(email, "@")
}

func stripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '-', '/', ' ', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
