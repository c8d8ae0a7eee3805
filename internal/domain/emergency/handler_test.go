package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/edqueue/internal/platform/auth"
)

func newTestHandler() (*Handler, *serviceFixture, *echo.Echo) {
	f := newServiceFixture()
	return NewHandler(f.svc), f, echo.New()
}

func newContext(e *echo.Echo, method, body, user string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(auth.WithUser(req.Context(), user, roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func assertHTTPCode(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Fatalf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrValidation, http.StatusBadRequest},
		{fmt.Errorf("enqueue: %w", ErrImmediateCare), http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrEmptyQueue, http.StatusNotFound},
		{ErrNoActiveService, http.StatusNotFound},
		{fmt.Errorf("x: %w", ErrDuplicateEntry), http.StatusConflict},
		{ErrSlotOccupied, http.StatusConflict},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assertHTTPCode(t, httpError(tt.err), tt.code)
	}

	internal := httpError(errors.New("secret dsn")).(*echo.HTTPError)
	if internal.Message != "internal error" || internal.Internal == nil {
		t.Fatalf("500s must hide the cause, got %+v", internal)
	}
}

func TestHandler_RegisterAndTriage(t *testing.T) {
	h, f, e := newTestHandler()

	c, rec := newContext(e, http.MethodPost, `{"name":"Ana","cpf":"123.456.789-00","legal_priority":true}`, "rec-1", auth.RoleReception)
	if err := h.RegisterPatient(c); err != nil {
		t.Fatalf("RegisterPatient: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var p Patient
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.ID == uuid.Nil || !p.LegalPriority {
		t.Fatalf("unexpected patient %+v", p)
	}

	body := `{"patient_id":"` + p.ID.String() + `","acuity":"Laranja","chief_complaint":"chest pain"}`
	c, rec = newContext(e, http.MethodPost, body, "nurse-7", auth.RoleNurse)
	if err := h.CompleteTriage(c); err != nil {
		t.Fatalf("CompleteTriage: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var tr *TriageRecord
	for _, r := range f.triage.records {
		tr = r
	}
	if tr.TriagedBy != "nurse-7" || tr.Acuity != AcuityOrange {
		t.Fatalf("unexpected triage record %+v", tr)
	}

	c, _ = newContext(e, http.MethodPost, body, "nurse-7", auth.RoleNurse)
	assertHTTPCode(t, h.CompleteTriage(c), http.StatusConflict)
}

func TestHandler_RegisterPatientValidation(t *testing.T) {
	h, _, e := newTestHandler()
	c, _ := newContext(e, http.MethodPost, `{"name":"Ana"}`, "rec-1")
	assertHTTPCode(t, h.RegisterPatient(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodPost, `{not json`, "rec-1")
	assertHTTPCode(t, h.RegisterPatient(c), http.StatusBadRequest)
}

func TestHandler_GetPatient(t *testing.T) {
	h, f, e := newTestHandler()
	p := f.register(t, "Ana")

	c, rec := newContext(e, http.MethodGet, "", "u")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.GetPatient(c); err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, _ = newContext(e, http.MethodGet, "", "u")
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	assertHTTPCode(t, h.GetPatient(c), http.StatusBadRequest)

	c, _ = newContext(e, http.MethodGet, "", "u")
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	assertHTTPCode(t, h.GetPatient(c), http.StatusNotFound)
}

func TestHandler_ListUntriagedEmpty(t *testing.T) {
	h, _, e := newTestHandler()
	c, rec := newContext(e, http.MethodGet, "", "u")
	if err := h.ListUntriaged(c); err != nil {
		t.Fatalf("ListUntriaged: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHandler_PhysicianFlow(t *testing.T) {
	h, f, e := newTestHandler()
	p := f.register(t, "Ana")
	f.triageAs(t, p, AcuityGreen)

	c, _ := newContext(e, http.MethodGet, "", "doc-1")
	assertHTTPCode(t, h.GetInService(c), http.StatusNotFound)

	c, rec := newContext(e, http.MethodPost, "", "doc-1")
	if err := h.CallNext(c); err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	var called WaitingEntry
	json.Unmarshal(rec.Body.Bytes(), &called)
	if called.ID != p.ID {
		t.Fatalf("expected %s, got %s", p.ID, called.ID)
	}

	c, _ = newContext(e, http.MethodPost, "", "doc-2")
	assertHTTPCode(t, h.CallNext(c), http.StatusConflict)

	c, rec = newContext(e, http.MethodGet, "", "doc-1")
	if err := h.GetInService(c); err != nil {
		t.Fatalf("GetInService: %v", err)
	}
	var view EntryView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.ID != p.ID || view.BudgetMinutes != 120 {
		t.Fatalf("unexpected in-service view %+v", view)
	}

	c, rec = newContext(e, http.MethodPost, "", "doc-1")
	if err := h.Requeue(c); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, _ = newContext(e, http.MethodPost, "", "doc-1")
	h.CallNext(c)
	c, rec = newContext(e, http.MethodPost, `{"diagnosis":"sprain","prescription":"rest"}`, "doc-1")
	if err := h.Finish(c); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, _ = newContext(e, http.MethodPost, "", "doc-1")
	assertHTTPCode(t, h.Finish(c), http.StatusNotFound)
	c, _ = newContext(e, http.MethodPost, "", "doc-1")
	assertHTTPCode(t, h.CallNext(c), http.StatusNotFound)
}

func TestHandler_RemoveEntry(t *testing.T) {
	h, f, e := newTestHandler()
	p := f.register(t, "Ana")
	f.triageAs(t, p, AcuityBlue)

	c, _ := newContext(e, http.MethodDelete, `{"reason":""}`, "rec-1")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	assertHTTPCode(t, h.RemoveEntry(c), http.StatusBadRequest)

	c, rec := newContext(e, http.MethodDelete, `{"reason":"left"}`, "rec-1")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.RemoveEntry(c); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(f.removals.records) != 1 || f.removals.records[0].RemovedBy != "rec-1" {
		t.Fatalf("unexpected audit %+v", f.removals.records)
	}

	c, _ = newContext(e, http.MethodDelete, `{"reason":"left"}`, "rec-1")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	assertHTTPCode(t, h.RemoveEntry(c), http.StatusNotFound)
}

func TestHandler_ImmediateFlow(t *testing.T) {
	h, f, e := newTestHandler()
	p := f.register(t, "Carlos")
	f.triageAs(t, p, AcuityRed)

	c, rec := newContext(e, http.MethodGet, "", "u")
	if err := h.ListImmediate(c); err != nil {
		t.Fatalf("ListImmediate: %v", err)
	}
	var list []WaitingEntry
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != p.ID {
		t.Fatalf("unexpected immediate list %v", list)
	}

	c, rec = newContext(e, http.MethodPost, "", "doc-1")
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.AcknowledgeImmediate(c); err != nil {
		t.Fatalf("AcknowledgeImmediate: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_BoardAndPolicy(t *testing.T) {
	h, f, e := newTestHandler()
	f.triageAs(t, f.register(t, "Ana"), AcuityYellow)

	c, rec := newContext(e, http.MethodGet, "", "u")
	if err := h.GetBoard(c); err != nil {
		t.Fatalf("GetBoard: %v", err)
	}
	var b Board
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode board: %v", err)
	}
	if len(b.Waiting) != 1 || b.Waiting[0].PatientName != "Ana" || b.Waiting[0].BudgetMinutes != 60 {
		t.Fatalf("unexpected board %+v", b)
	}

	c, rec = newContext(e, http.MethodGet, "", "u")
	if err := h.GetPolicy(c); err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	var rows []map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &rows)
	if len(rows) != 5 || rows[0]["acuity"] != "red" {
		t.Fatalf("unexpected policy %v", rows)
	}
}

func TestHandler_ListRemovals(t *testing.T) {
	h, f, e := newTestHandler()
	for _, name := range []string{"Ana", "Bruno", "Carla"} {
		p := f.register(t, name)
		f.triageAs(t, p, AcuityGreen)
		f.svc.Remove(context.Background(), p.ID, "left", "rec-1")
	}

	req := httptest.NewRequest(http.MethodGet, "/removals?limit=2", nil)
	rec := httptest.NewRecorder()
	if err := h.ListRemovals(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ListRemovals: %v", err)
	}
	var resp struct {
		Data    []RemovalRecord `json:"data"`
		Total   int             `json:"total"`
		HasMore bool            `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Data) != 2 || resp.Total != 3 || !resp.HasMore {
		t.Fatalf("unexpected page %+v", resp)
	}
}

func TestHandler_ListPatients(t *testing.T) {
	h, f, e := newTestHandler()
	for _, name := range []string{"Carla", "Ana", "Bruno"} {
		f.register(t, name)
	}
	f.triageAs(t, f.register(t, "Davi"), AcuityBlue)

	req := httptest.NewRequest(http.MethodGet, "/patients?limit=2&offset=1", nil)
	rec := httptest.NewRecorder()
	if err := h.ListPatients(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ListPatients: %v", err)
	}
	var resp struct {
		Data    []Patient `json:"data"`
		Total   int       `json:"total"`
		HasMore bool      `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 4 || !resp.HasMore || len(resp.Data) != 2 {
		t.Fatalf("unexpected page %+v", resp)
	}
	if resp.Data[0].Name != "Bruno" || resp.Data[1].Name != "Carla" {
		t.Fatalf("expected Bruno, Carla by name, got %s, %s", resp.Data[0].Name, resp.Data[1].Name)
	}

	req = httptest.NewRequest(http.MethodGet, "/patients?offset=10", nil)
	rec = httptest.NewRecorder()
	if err := h.ListPatients(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ListPatients past end: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("expected empty data past the end, got %s", rec.Body.String())
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	h, _, e := newTestHandler()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "u1", roles)))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	tests := []struct {
		method, path, roles string
		want                int
	}{
		{http.MethodPost, "/api/v1/queue/next", auth.RoleNurse, http.StatusForbidden},
		{http.MethodPost, "/api/v1/queue/next", auth.RolePhysician, http.StatusNotFound},
		{http.MethodPost, "/api/v1/triage", auth.RoleReception, http.StatusForbidden},
		{http.MethodGet, "/api/v1/removals", auth.RolePhysician, http.StatusForbidden},
		{http.MethodGet, "/api/v1/removals", auth.RoleAdmin, http.StatusOK},
		{http.MethodGet, "/api/v1/queue", auth.RoleReception, http.StatusOK},
		{http.MethodGet, "/api/v1/patients/untriaged", auth.RoleNurse, http.StatusOK},
		{http.MethodGet, "/api/v1/patients/untriaged", auth.RolePhysician, http.StatusForbidden},
		{http.MethodGet, "/api/v1/patients", auth.RoleReception, http.StatusOK},
		{http.MethodGet, "/api/v1/patients", auth.RolePhysician, http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		req.Header.Set("X-Test-Roles", tt.roles)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s as %s: expected %d, got %d", tt.method, tt.path, tt.roles, tt.want, rec.Code)
		}
	}
}
