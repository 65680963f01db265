package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/config"
	"github.com/promogate/release-gate/internal/policy"
	"github.com/promogate/release-gate/internal/service"
	"github.com/promogate/release-gate/internal/store"
)

const passingEvidence = "https://ci.example.com/test-PASS-report.json"

func newTestRouter(t *testing.T, cfg config.Config) (http.Handler, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	quiet := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine := policy.NewEngineAt(policy.NewSource(""), func() time.Time { return quiet })
	svc := service.New(mem, engine)
	return New(cfg, svc, mem).Router(), mem
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func createApp(t *testing.T, router http.Handler) string {
	t.Helper()
	rec := doJSON(t, router, "POST", "/applications", map[string]string{
		"name":      "checkout",
		"ownerTeam": "payments",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create application: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)["id"].(string)
}

func createRelease(t *testing.T, router http.Handler, appID, version, evidence string) string {
	t.Helper()
	rec := doJSON(t, router, "POST", "/releases", map[string]string{
		"applicationId": appID,
		"version":       version,
		"evidenceUrl":   evidence,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create release: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)["id"].(string)
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	rec := doJSON(t, router, "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestUpdateApplication(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)

	rec := doJSON(t, router, "PUT", "/applications/"+appID, map[string]string{
		"ownerTeam": "platform",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["ownerTeam"] != "platform" {
		t.Fatalf("expected ownerTeam platform, got %v", body["ownerTeam"])
	}
	if body["name"] != "checkout" {
		t.Fatalf("omitted fields should keep their value, got %v", body["name"])
	}

	rec = doJSON(t, router, "PUT", "/applications/"+uuid.NewString(), map[string]string{
		"name": "ghost",
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateReleaseScoresEvidence(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)

	rec := doJSON(t, router, "POST", "/releases", map[string]string{
		"applicationId": appID,
		"version":       "1.0.0",
		"evidenceUrl":   passingEvidence,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if got := body["evidenceScore"].(float64); got != 100 {
		t.Fatalf("expected score 100, got %v", got)
	}
	if body["status"] != "PENDING" || body["environment"] != "DEV" {
		t.Fatalf("unexpected initial state: %v", body)
	}
}

func TestCreateReleaseDuplicateIs409(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)
	createRelease(t, router, appID, "1.0.0", "")

	rec := doJSON(t, router, "POST", "/releases", map[string]string{
		"applicationId": appID,
		"version":       "1.0.0",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCreateReleaseIdempotencyHeader(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)
	header := map[string]string{"Idempotency-Key": "train-42"}

	body := map[string]string{"applicationId": appID, "version": "2.0.0"}
	first := doJSON(t, router, "POST", "/releases", body, header)
	second := doJSON(t, router, "POST", "/releases", body, header)
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected 201/201, got %d/%d", first.Code, second.Code)
	}
	if decodeBody(t, first)["id"] != decodeBody(t, second)["id"] {
		t.Fatalf("idempotent replay returned a different release")
	}
}

func TestGetReleaseNotFound(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	rec := doJSON(t, router, "GET", "/releases/"+uuid.NewString(), nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, router, "GET", "/releases/not-a-uuid", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestPromoteDeniedIs422(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)
	relID := createRelease(t, router, appID, "1.0.0", passingEvidence)

	rec := doJSON(t, router, "POST", "/releases/"+relID+"/promote", map[string]string{"targetEnv": "PRE_PROD"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DEV->PRE_PROD: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	// no approvals yet
	rec = doJSON(t, router, "POST", "/releases/"+relID+"/promote", map[string]string{"targetEnv": "PROD"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	if reason, _ := decodeBody(t, rec)["reason"].(string); reason == "" {
		t.Fatalf("denial reason missing")
	}
}

func TestApprovalThenProdPromotionAndDeploy(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)
	relID := createRelease(t, router, appID, "1.0.0", passingEvidence)

	doJSON(t, router, "POST", "/releases/"+relID+"/promote", map[string]string{"targetEnv": "PRE_PROD"}, nil)

	rec := doJSON(t, router, "POST", "/releases/"+relID+"/approvals", map[string]string{
		"approverEmail": "qa@example.com",
		"outcome":       "APPROVED",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("record approval: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, "POST", "/releases/"+relID+"/promote", map[string]string{"targetEnv": "PROD"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PRE_PROD->PROD: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, "POST", "/releases/"+relID+"/deploy", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deploy: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "DEPLOYED" || body["deployedAt"] == nil {
		t.Fatalf("deploy result incomplete: %v", body)
	}
}

func TestDuplicateApprovalIs409(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)
	relID := createRelease(t, router, appID, "1.0.0", "")

	payload := map[string]string{"approverEmail": "qa@example.com", "outcome": "APPROVED"}
	first := doJSON(t, router, "POST", "/releases/"+relID+"/approvals", payload, nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := doJSON(t, router, "POST", "/releases/"+relID+"/approvals", payload, nil)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", second.Code, second.Body.String())
	}
}

func TestChecklistEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)
	relID := createRelease(t, router, appID, "1.0.0", passingEvidence)

	rec := doJSON(t, router, "GET", "/releases/"+relID+"/checklist", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["scoreOk"] != true || body["approvalsOk"] != false || body["ready"] != false {
		t.Fatalf("unexpected checklist: %v", body)
	}
}

func TestTimelineEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	appID := createApp(t, router)
	relID := createRelease(t, router, appID, "1.0.0", "")
	doJSON(t, router, "POST", "/releases/"+relID+"/promote", map[string]string{"targetEnv": "PRE_PROD"}, nil)

	rec := doJSON(t, router, "GET", "/releases/"+relID+"/timeline", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	if len(events) != 2 || events[0]["eventType"] != "CREATED" || events[1]["eventType"] != "PROMOTED" {
		t.Fatalf("unexpected timeline: %v", events)
	}
}

func TestAuditTrailAttributesActorFromJWT(t *testing.T) {
	secret := "test-secret"
	router, _ := newTestRouter(t, config.Config{AuthHMACSecret: secret})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	authz := map[string]string{"Authorization": "Bearer " + token}

	rec := doJSON(t, router, "POST", "/applications", map[string]string{"name": "checkout"}, authz)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	appID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, router, "GET", fmt.Sprintf("/audit?entityType=application&entityId=%s", appID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(records) != 1 || records[0]["actor"] != "alice@example.com" {
		t.Fatalf("expected audit actor from token, got %v", records)
	}
}

func TestMutationRequiresTokenWhenSecretSet(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{AuthHMACSecret: "test-secret"})

	rec := doJSON(t, router, "POST", "/applications", map[string]string{"name": "checkout"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestScoreEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	rec := doJSON(t, router, "GET", "/evidence/score?url="+passingEvidence, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["score"].(float64); got != 100 {
		t.Fatalf("expected 100, got %v", got)
	}
}

func TestPolicyReload(t *testing.T) {
	router, _ := newTestRouter(t, config.Config{})
	rec := doJSON(t, router, "POST", "/policy/reload", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["reloaded"] != true || body["minApprovals"].(float64) != 1 {
		t.Fatalf("unexpected reload response: %v", body)
	}
}
