package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-careplan/internal/careplan"
	"github.com/drfirst/go-careplan/internal/domain/intake"
	"github.com/drfirst/go-careplan/internal/fhir/mapper"
	"github.com/drfirst/go-careplan/internal/fhir/r5"
	"github.com/drfirst/go-careplan/internal/infrastructure/memory"
)

type stubGenerator struct {
	err   error
	calls int
}

func (g *stubGenerator) Generate(context.Context, *intake.OrderRecord) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return "Problem list: weakness.", nil
}

func (g *stubGenerator) Model() string { return "test-model" }

type fixture struct {
	store  *memory.Store
	gen    *stubGenerator
	router chi.Router
}

func newFixture(t *testing.T, inline bool) *fixture {
	t.Helper()
	store := memory.NewStore()
	cfg := intake.DefaultConfig()
	cfg.Now = func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.Local) }
	orders := intake.NewService(store, cfg, nil)

	gen := &stubGenerator{}
	plans := careplan.NewService(store, gen, nil, nil)

	r := chi.NewRouter()
	r.Mount("/orders", NewOrderHandler(orders, plans, inline, nil).Routes())
	return &fixture{store: store, gen: gen, router: r}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func orderJSON(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		intake.FieldProviderName:       "Dr. Smith",
		intake.FieldProviderNPI:        "1111111111",
		intake.FieldPatientFirstName:   "Jane",
		intake.FieldPatientLastName:    "Doe",
		intake.FieldPatientMRN:         "123456",
		intake.FieldMedicationName:     "IVIG",
		intake.FieldOrderDate:          "2024-01-01",
		intake.FieldPrimaryDiagnosis:   "G70.00",
		intake.FieldPatientRecordsText: "Generalized weakness.",
	}
	for k, v := range overrides {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func decodeCreate(t *testing.T, rec *httptest.ResponseRecorder) CreateResponse {
	t.Helper()
	var resp CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreate_Success(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, map[string]any{
		intake.FieldAdditionalDiagnoses: []string{"I10", "K21.9"},
	}))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeCreate(t, rec)
	assert.Equal(t, MessageCreated, resp.Message)
	assert.Empty(t, resp.Warning)
	assert.Equal(t, []string{"I10", "K21.9"}, resp.Order.Order.AdditionalDiagnoses)
	assert.Equal(t, "/api/v1/orders/"+resp.Order.Order.ID.String(), rec.Header().Get("Location"))
	assert.Nil(t, resp.CarePlan)
	assert.Zero(t, f.gen.calls)
}

func TestCreate_NumericNPI(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, map[string]any{
		intake.FieldProviderNPI: 1111111111,
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "1111111111", decodeCreate(t, rec).Order.Provider.NPI)
}

func TestCreate_Form(t *testing.T) {
	f := newFixture(t, false)
	form := url.Values{}
	for k, v := range map[string]string{
		intake.FieldProviderName:       "Dr. Smith",
		intake.FieldProviderNPI:        "1111111111",
		intake.FieldPatientFirstName:   "Jane",
		intake.FieldPatientLastName:    "Doe",
		intake.FieldPatientMRN:         "123456",
		intake.FieldMedicationName:     "IVIG",
		intake.FieldOrderDate:          "2024-01-01",
		intake.FieldPrimaryDiagnosis:   "G70.00",
		intake.FieldPatientRecordsText: "Notes",
	} {
		form.Set(k, v)
	}
	rec := f.do(t, http.MethodPost, "/orders/", "application/x-www-form-urlencoded", []byte(form.Encode()))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCreate_SoftDuplicateWarning(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, nil)).Code)

	rec := f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, map[string]any{
		intake.FieldOrderDate: "2024-01-02",
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeCreate(t, rec)
	assert.Equal(t, WarningPrefix+intake.ReasonSoftDuplicate, resp.Warning)
	assert.Empty(t, resp.Message)
	assert.True(t, resp.Order.Order.DuplicateFlag)
}

func TestCreate_HardDuplicate(t *testing.T) {
	f := newFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, nil)).Code)

	rec := f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, map[string]any{
		intake.FieldMedicationName: " ivig ",
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	_, _, orders := f.store.Counts()
	assert.Equal(t, 1, orders)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, map[string]any{
		intake.FieldProviderNPI: "123",
		intake.FieldPatientMRN:  "12AB56",
	}))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp ValidationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Fields, intake.FieldProviderNPI)
	assert.Contains(t, resp.Fields, intake.FieldPatientMRN)
	p, pt, o := f.store.Counts()
	assert.Zero(t, p+pt+o)
}

func TestCreate_BadBody(t *testing.T) {
	f := newFixture(t, false)
	tests := map[string]string{
		"not json":     `{`,
		"object value": `{"provider_name": {"x": 1}}`,
		"mixed list":   `{"additional_diagnoses": ["I10", 2]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/orders/", "application/json", []byte(body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreate_InlineCarePlan(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeCreate(t, rec)
	require.NotNil(t, resp.CarePlan)
	assert.Equal(t, "test-model", resp.CarePlan.LLMModel)

	f.gen.err = errors.New("upstream down")
	rec = f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, map[string]any{
		intake.FieldPatientMRN: "654321",
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	resp = decodeCreate(t, rec)
	assert.Nil(t, resp.CarePlan)
	assert.Equal(t, careplan.SafeMessage, resp.CarePlanMessage)
	_, _, orders := f.store.Counts()
	assert.Equal(t, 2, orders)
}

type failingOrders struct{}

func (failingOrders) Submit(context.Context, intake.RawInput) (*intake.OrderRecord, error) {
	return nil, &intake.StorageError{Op: "submit order", Err: errors.New("connection refused")}
}

func (failingOrders) GetOrder(context.Context, uuid.UUID) (*intake.OrderRecord, error) {
	return nil, &intake.StorageError{Op: "get order", Err: errors.New("connection refused")}
}

func TestCreate_StorageFailure(t *testing.T) {
	r := chi.NewRouter()
	r.Mount("/orders", NewOrderHandler(failingOrders{}, nil, false, nil).Routes())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders/", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), MessageStorageFailed)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestGet(t *testing.T) {
	f := newFixture(t, false)
	created := decodeCreate(t, f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, nil)))
	id := created.Order.Order.ID.String()

	rec := f.do(t, http.MethodGet, "/orders/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got intake.OrderRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "IVIG", got.Order.MedicationName)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/orders/"+uuid.NewString(), "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/orders/not-a-uuid", "", nil).Code)
}

func TestFHIR_RoundTrip(t *testing.T) {
	f := newFixture(t, false)
	created := decodeCreate(t, f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, nil)))

	rec := f.do(t, http.MethodGet, "/orders/"+created.Order.Order.ID.String()+"/fhir", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/fhir+json", rec.Header().Get("Content-Type"))

	// The exported bundle maps back to the same order, so resubmitting it is a hard duplicate.
	var bundle r5.Bundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	in, err := mapper.FromBundle(&bundle)
	require.NoError(t, err)
	assert.Equal(t, "123456", in[intake.FieldPatientMRN])

	rec = f.do(t, http.MethodPost, "/orders/fhir", "application/fhir+json", rec.Body.Bytes())
	assert.Equal(t, http.StatusConflict, rec.Code)
	var outcome r5.OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, "duplicate", outcome.Issue[0].Code)
}

func TestCreateFHIR(t *testing.T) {
	f := newFixture(t, false)
	body := `{"resourceType": "Bundle", "type": "collection", "entry": [
		{"resource": {"resourceType": "Patient",
			"identifier": [{"type": {"coding": [{"code": "MR"}]}, "value": "123456"}],
			"name": [{"family": "Doe", "given": ["Jane"]}]}},
		{"resource": {"resourceType": "Practitioner",
			"identifier": [{"system": "http://hl7.org/fhir/sid/us-npi", "value": "1111111111"}],
			"name": [{"text": "Dr. Smith"}]}},
		{"resource": {"resourceType": "MedicationRequest", "status": "active", "intent": "order",
			"medication": {"concept": {"text": "IVIG"}}, "subject": {"reference": "Patient/1"},
			"authoredOn": "2024-01-01", "note": [{"text": "Weakness."}]}},
		{"resource": {"resourceType": "Condition", "subject": {"reference": "Patient/1"},
			"code": {"coding": [{"system": "http://hl7.org/fhir/sid/icd-10-cm", "code": "G70.00"}]}}}
	]}`

	rec := f.do(t, http.MethodPost, "/orders/fhir", "application/fhir+json", []byte(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Location"), "/fhir")

	rec = f.do(t, http.MethodPost, "/orders/fhir", "application/fhir+json", []byte(`{"resourceType": "Bundle"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	invalid := strings.Replace(body, `"1111111111"`, `"42"`, 1)
	rec = f.do(t, http.MethodPost, "/orders/fhir", "application/fhir+json", []byte(invalid))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var outcome r5.OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.NotEmpty(t, outcome.Issue)
	assert.Equal(t, []string{intake.FieldProviderNPI}, outcome.Issue[0].Expression)
}

func TestCarePlanRoutes(t *testing.T) {
	f := newFixture(t, false)
	created := decodeCreate(t, f.do(t, http.MethodPost, "/orders/", "application/json", orderJSON(t, nil)))
	path := "/orders/" + created.Order.Order.ID.String() + "/careplan"

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, "", nil).Code)

	f.gen.err = errors.New("timeout")
	rec := f.do(t, http.MethodPost, path, "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), careplan.SafeMessage)

	f.gen.err = nil
	rec = f.do(t, http.MethodPost, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.gen.calls)

	rec = f.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Problem list")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/orders/"+uuid.NewString()+"/careplan", "", nil).Code)
}

func TestCarePlanRoutes_NotConfigured(t *testing.T) {
	r := chi.NewRouter()
	r.Mount("/orders", NewOrderHandler(failingOrders{}, nil, true, nil).Routes())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/"+uuid.NewString()+"/careplan", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReady(t *testing.T) {
	rec := httptest.NewRecorder()
	Ready(map[string]func(context.Context) error{
		"db":    func(context.Context) error { return nil },
		"kafka": func(context.Context) error { return errors.New("down") },
	})(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"db":"ok","kafka":"down"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	Health("intake-api", "0.1.0")(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
