package intake

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(y int, m time.Month, d int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, 12, 0, 0, 0, time.Local) }
}

func validInput() RawInput {
	return RawInput{
		FieldProviderName:        "Dr. Smith",
		FieldProviderNPI:         "1111111111",
		FieldPatientFirstName:    "Jane",
		FieldPatientLastName:     "Doe",
		FieldPatientMRN:          "123456",
		FieldMedicationName:      "IVIG",
		FieldOrderDate:           "2024-01-01",
		FieldPrimaryDiagnosis:    "G70.00",
		FieldAdditionalDiagnoses: "I10, K21.9",
		FieldMedicationHistory:   "Pyridostigmine 60mg, Prednisone 10mg",
		FieldPatientRecordsText:  "Generalized weakness, worsening over 2 weeks.",
	}
}

func TestValidateNPI(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"ten digits", "1234567890", "1234567890", false},
		{"trimmed", "  1234567890 ", "1234567890", false},
		{"nine digits", "123456789", "", true},
		{"eleven digits", "12345678901", "", true},
		{"letters", "12345abcde", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateNPI(tt.raw)
			if tt.wantErr {
				var fe *FormatError
				require.ErrorAs(t, err, &fe)
				assert.Equal(t, FieldProviderNPI, fe.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateMRN(t *testing.T) {
	policy := DefaultMRNPolicy()

	got, err := ValidateMRN(" 123456 ", policy)
	require.NoError(t, err)
	assert.Equal(t, "123456", got)

	for _, raw := range []string{"12345", "1234567", "12a456", ""} {
		_, err := ValidateMRN(raw, policy)
		var fe *FormatError
		require.ErrorAs(t, err, &fe, raw)
		assert.Equal(t, "MRN must be exactly 6 digits", fe.Message)
	}

	ranged := MRNPolicy{MinLength: 6, MaxLength: 10}
	got, err = ValidateMRN("12345678", ranged)
	require.NoError(t, err)
	assert.Equal(t, "12345678", got)
}

func TestMRNPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultMRNPolicy().Validate())
	assert.Error(t, MRNPolicy{MinLength: 0, MaxLength: 6}.Validate())
	assert.Error(t, MRNPolicy{MinLength: 8, MaxLength: 6}.Validate())
}

func TestValidateOrderDate(t *testing.T) {
	today := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	d, err := ValidateOrderDate("2024-01-01", today)
	require.NoError(t, err)
	assert.True(t, d.Equal(today))

	_, err = ValidateOrderDate("2023-12-31", today)
	require.NoError(t, err)

	_, err = ValidateOrderDate("2024-01-02", today)
	var fde *FutureDateError
	require.ErrorAs(t, err, &fde)
	var fe *FormatError
	require.ErrorAs(t, err, &fe, "future date must also match FormatError")
	assert.Equal(t, FieldOrderDate, fe.Field)
	assert.Equal(t, "date 2024-01-02 is after today (2024-01-01)", fe.Message)

	for _, raw := range []string{"01/01/2024", "2024-13-01", "", "yesterday"} {
		_, err := ValidateOrderDate(raw, today)
		require.ErrorAs(t, err, &fe, raw)
		assert.False(t, errors.As(err, &fde), raw)
	}
}

func TestRequireText(t *testing.T) {
	got, err := RequireText(FieldMedicationName, "  IVIG ", 200)
	require.NoError(t, err)
	assert.Equal(t, "IVIG", got)

	_, err = RequireText(FieldMedicationName, "   ", 200)
	assert.Error(t, err)

	_, err = RequireText(FieldPrimaryDiagnosis, "G70.00000000", 10)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "must be at most 10 characters", fe.Message)

	_, err = RequireText(FieldPatientRecordsText, strings.Repeat("x", 10000), 0)
	assert.NoError(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, SplitList(" A , , B "))
	assert.Equal(t, []string{"A", "A"}, SplitList("A,A"))
	assert.Equal(t, []string{}, SplitList(""))
	assert.Equal(t, []string{}, SplitList(" , ,"))
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator(DefaultMRNPolicy(), fixedClock(2024, 1, 1))

	sub, err := v.Validate(validInput())
	require.NoError(t, err)
	assert.Equal(t, "Dr. Smith", sub.ProviderName)
	assert.Equal(t, "1111111111", sub.ProviderNPI)
	assert.Equal(t, "123456", sub.PatientMRN)
	assert.Equal(t, "2024-01-01", sub.OrderDate.Format(DateLayout))
	assert.Equal(t, []string{"I10", "K21.9"}, sub.AdditionalDiagnoses)
	assert.Equal(t, []string{"Pyridostigmine 60mg", "Prednisone 10mg"}, sub.MedicationHistory)
	assert.Nil(t, sub.PatientDOB)
}

func TestValidator_ReportsEveryFailure(t *testing.T) {
	v := NewValidator(DefaultMRNPolicy(), fixedClock(2024, 1, 1))

	in := validInput()
	in[FieldProviderNPI] = "123"
	in[FieldPatientMRN] = "12"
	in[FieldOrderDate] = "2024-01-02"
	delete(in, FieldMedicationName)

	sub, err := v.Validate(in)
	require.Error(t, err)
	assert.Nil(t, sub)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := verrs.Fields()
	assert.Len(t, fields, 4)
	assert.Contains(t, fields, FieldProviderNPI)
	assert.Contains(t, fields, FieldPatientMRN)
	assert.Contains(t, fields, FieldOrderDate)
	assert.Contains(t, fields, FieldMedicationName)

	var fde *FutureDateError
	assert.ErrorAs(t, err, &fde)
}

func TestValidator_ErrorOrder(t *testing.T) {
	v := NewValidator(DefaultMRNPolicy(), fixedClock(2024, 1, 1))

	in := validInput()
	in[FieldPatientDOB] = "2030-01-01"
	in[FieldOrderDate] = "2024-01-02"
	in[FieldPrimaryDiagnosis] = ""
	in[FieldProviderNPI] = "123"

	_, err := v.Validate(in)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)

	var got []string
	for _, e := range verrs {
		var fe *FormatError
		require.ErrorAs(t, e, &fe)
		got = append(got, fe.Field)
	}
	assert.Equal(t, []string{FieldProviderNPI, FieldPrimaryDiagnosis, FieldOrderDate, FieldPatientDOB}, got)
}

func TestValidator_DateOfBirth(t *testing.T) {
	v := NewValidator(DefaultMRNPolicy(), fixedClock(2024, 1, 1))

	in := validInput()
	in[FieldPatientDOB] = "1980-05-17"
	sub, err := v.Validate(in)
	require.NoError(t, err)
	require.NotNil(t, sub.PatientDOB)
	assert.Equal(t, "1980-05-17", sub.PatientDOB.Format(DateLayout))

	in[FieldPatientDOB] = "2030-01-01"
	_, err = v.Validate(in)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, verrs.Fields(), FieldPatientDOB)
}
