package intake

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDuplicatePolicy_Evaluate(t *testing.T) {
	existing := []Order{{MedicationName: "IVIG", OrderDate: day("2024-01-01")}}
	policy := DefaultDuplicatePolicy()

	t.Run("no history", func(t *testing.T) {
		s, err := policy.Evaluate(Candidate{PatientMRN: "123456", MedicationName: "IVIG", OrderDate: day("2024-01-01")}, nil)
		require.NoError(t, err)
		assert.False(t, s.Any())
	})

	t.Run("hard duplicate", func(t *testing.T) {
		_, err := policy.Evaluate(Candidate{PatientMRN: "123456", MedicationName: "ivig ", OrderDate: day("2024-01-01")}, existing)
		require.True(t, errors.Is(err, ErrDuplicateOrder))

		var dup *DuplicateOrderError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "123456", dup.MRN)
	})

	t.Run("soft duplicate", func(t *testing.T) {
		s, err := policy.Evaluate(Candidate{PatientMRN: "123456", MedicationName: "IVIG", OrderDate: day("2024-01-02")}, existing)
		require.NoError(t, err)
		assert.Equal(t, Signals{SoftDuplicate: true}, s)
	})

	t.Run("hard wins over soft", func(t *testing.T) {
		both := append([]Order{{MedicationName: "IVIG", OrderDate: day("2023-12-01")}}, existing...)
		_, err := policy.Evaluate(Candidate{MedicationName: "IVIG", OrderDate: day("2024-01-01")}, both)
		assert.ErrorIs(t, err, ErrDuplicateOrder)
	})

	t.Run("other medication ignored", func(t *testing.T) {
		s, err := policy.Evaluate(Candidate{MedicationName: "Rituximab", OrderDate: day("2024-01-01")}, existing)
		require.NoError(t, err)
		assert.False(t, s.Any())
	})
}

func TestDuplicatePolicy_StopsAtFirstRejection(t *testing.T) {
	stop := errors.New("stop")
	ran := false
	policy := NewDuplicatePolicy(
		NamedCheck{Name: "reject", Check: func(Candidate, []Order) (Signals, error) { return Signals{}, stop }},
		NamedCheck{Name: "after", Check: func(Candidate, []Order) (Signals, error) {
			ran = true
			return Signals{SoftDuplicate: true}, nil
		}},
	)

	_, err := policy.Evaluate(Candidate{}, nil)
	assert.ErrorIs(t, err, stop)
	assert.False(t, ran)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(Signals{}))
	assert.Equal(t, ReasonSoftDuplicate, Reason(Signals{SoftDuplicate: true}))

	all := Signals{
		PatientNameMismatch:      true,
		ProviderNameMismatch:     true,
		ProviderIdentityConflict: true,
		SoftDuplicate:            true,
	}
	want := ReasonSoftDuplicate + " | " + ReasonProviderIdentity + " | " +
		ReasonProviderNameMismatch + " | " + ReasonPatientNameMismatch
	assert.Equal(t, want, Reason(all))

	assert.Equal(t, ReasonProviderIdentity+" | "+ReasonPatientNameMismatch,
		Reason(Signals{PatientNameMismatch: true}.Merge(Signals{ProviderIdentityConflict: true})))
}
