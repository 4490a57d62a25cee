package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMapDefaults(t *testing.T) {
	p := FromMap(map[string]string{})
	assert.Equal(t, Defaults(), p)
}

func TestFromMapOverrides(t *testing.T) {
	p := FromMap(map[string]string{
		"fine_per_day":            "0.5",
		"loan_period_days":        "21",
		"max_renew_count":         "1",
		"reservation_expiry_days": "7",
		"max_books_per_member":    "3",
		"suspension_days":         "14",
	})
	assert.Equal(t, 0.5, p.FinePerDay)
	assert.Equal(t, 21, p.LoanPeriodDays)
	assert.Equal(t, 1, p.MaxRenewCount)
	assert.Equal(t, 7, p.ReservationExpiryDays)
	assert.Equal(t, 3, p.MaxBooksPerMember)
	assert.Equal(t, 14, p.SuspensionDays)
}

func TestFromMapIgnoresGarbage(t *testing.T) {
	p := FromMap(map[string]string{
		"fine_per_day":     "a lot",
		"loan_period_days": "-3",
	})
	assert.Equal(t, Defaults().FinePerDay, p.FinePerDay)
	assert.Equal(t, Defaults().LoanPeriodDays, p.LoanPeriodDays)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validate("fine_per_day", "2.5"))
	require.NoError(t, validate("max_renew_count", "0"))
	assert.Error(t, validate("fine_per_day", "-1"))
	assert.Error(t, validate("loan_period_days", "two weeks"))
	assert.Error(t, validate("library_name", "anything"))
}
