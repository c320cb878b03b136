package trust

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/auth"
)

const testSecret = "handler-test-secret-0123456789"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *fixture, *auth.Verifier) {
	t.Helper()
	f := newFixture(t)
	v := auth.NewVerifier(testSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(v))
	NewHandler(f.svc, nil).RegisterRoutes(v1)
	return r, f, v
}

func do(t *testing.T, r *gin.Engine, v *auth.Verifier, method, path, accountID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if accountID != "" {
		token, err := v.Issue(accountID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Analyze(t *testing.T) {
	r, f, v := newTestRouter(t)
	f.seedBuyer(t, "acct_1")

	w := do(t, r, v, http.MethodPost, "/v1/trust/analyze", "acct_1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		TrustScore       float64  `json:"trustScore"`
		VerificationTier string   `json:"verificationTier"`
		Reasons          []string `json:"reasons"`
		Penalties        []string `json:"penalties"`
		Analysis         struct {
			AccountAgeDays      int  `json:"accountAgeDays"`
			OrderCount          int  `json:"orderCount"`
			CompletedOrderCount int  `json:"completedOrderCount"`
			ReviewCount         int  `json:"reviewCount"`
			FavoriteCount       int  `json:"favoriteCount"`
			HasEstablishment    bool `json:"hasEstablishment"`
			LoginCount          int  `json:"loginCount"`
		} `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, 0.85, body.TrustScore)
	assert.Equal(t, "PENDING", body.VerificationTier)
	assert.Len(t, body.Reasons, 7)
	assert.NotNil(t, body.Penalties)
	assert.Empty(t, body.Penalties)
	assert.Equal(t, 10, body.Analysis.AccountAgeDays)
	assert.Equal(t, 4, body.Analysis.OrderCount)
	assert.Equal(t, 3, body.Analysis.CompletedOrderCount)
	assert.Equal(t, 2, body.Analysis.ReviewCount)
	assert.Equal(t, 1, body.Analysis.FavoriteCount)
	assert.False(t, body.Analysis.HasEstablishment)
	assert.Equal(t, 12, body.Analysis.LoginCount)
}

func TestHandler_Unauthenticated(t *testing.T) {
	r, _, v := newTestRouter(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/trust/analyze"},
		{http.MethodGet, "/v1/trust/status"},
		{http.MethodGet, "/v1/trust/audit"},
		{http.MethodPost, "/v1/trust/logins"},
	} {
		w := do(t, r, v, tc.method, tc.path, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
		assert.Contains(t, w.Body.String(), "unauthenticated")
	}
}

func TestHandler_ForgedTokenIsUnauthenticated(t *testing.T) {
	r, f, _ := newTestRouter(t)
	f.seedBuyer(t, "acct_1")

	forged, err := auth.NewVerifier("some-other-secret-0123456789").Issue("acct_1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/trust/analyze", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_UnknownAccount(t *testing.T) {
	r, _, v := newTestRouter(t)

	w := do(t, r, v, http.MethodPost, "/v1/trust/analyze", "ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")

	w = do(t, r, v, http.MethodGet, "/v1/trust/status", "ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Status(t *testing.T) {
	r, f, v := newTestRouter(t)
	f.seedBuyer(t, "acct_1")

	w := do(t, r, v, http.MethodGet, "/v1/trust/status", "acct_1")
	require.Equal(t, http.StatusOK, w.Code)

	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, TierPending, st.Tier)
	assert.Equal(t, 0.0, st.TrustScore)
	assert.True(t, st.EmailVerified)
	assert.Equal(t, 12, st.LoginCount)
	assert.Equal(t, 10, st.DaysSinceRegistration)
}

func TestHandler_Audit(t *testing.T) {
	r, f, v := newTestRouter(t)
	f.seedBuyer(t, "acct_1")

	for i := 0; i < 3; i++ {
		w := do(t, r, v, http.MethodPost, "/v1/trust/analyze", "acct_1")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := do(t, r, v, http.MethodGet, "/v1/trust/audit?limit=2", "acct_1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Records    []AuditRecord `json:"records"`
		Count      int           `json:"count"`
		NextCursor string        `json:"nextCursor"`
		HasMore    bool          `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Records, 2)
	assert.Equal(t, ActionBehaviorAnalysis, body.Records[0].Action)
	assert.Equal(t, "acct_1", body.Records[0].AccountID)
	assert.True(t, body.HasMore)

	w = do(t, r, v, http.MethodGet, "/v1/trust/audit?limit=2&cursor="+body.NextCursor, "acct_1")
	require.Equal(t, http.StatusOK, w.Code)
	body.NextCursor = ""
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.False(t, body.HasMore)
	assert.Empty(t, body.NextCursor)
}

func TestHandler_AuditRejectsBadCursor(t *testing.T) {
	r, f, v := newTestRouter(t)
	f.seedBuyer(t, "acct_1")

	w := do(t, r, v, http.MethodGet, "/v1/trust/audit?cursor=garbage!", "acct_1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandler_AuditRejectsBadLimit(t *testing.T) {
	r, f, v := newTestRouter(t)
	f.seedBuyer(t, "acct_1")

	for _, limit := range []string{"abc", "0", "-3"} {
		w := do(t, r, v, http.MethodGet, "/v1/trust/audit?limit="+limit, "acct_1")
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
		assert.Contains(t, w.Body.String(), "invalid_request")
	}
}

func TestHandler_RecordLogin(t *testing.T) {
	r, f, v := newTestRouter(t)
	q := NewMemoryQueue(4)
	f.svc.WithQueue(q)
	f.seedBuyer(t, "acct_1")

	var last LoginResult
	for i := 0; i < 3; i++ {
		w := do(t, r, v, http.MethodPost, "/v1/trust/logins", "acct_1")
		require.Equal(t, http.StatusAccepted, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &last))
	}

	// 12 seeded logins, so the 15th queues an analysis.
	assert.Equal(t, 15, last.LoginCount)
	assert.True(t, last.AnalysisQueued)
}

func TestHandler_StreamOnlyWithHub(t *testing.T) {
	r, _, v := newTestRouter(t)

	w := do(t, r, v, http.MethodGet, "/v1/trust/stream", "acct_1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
