package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkalu/fraudmark/internal/pagination"
	"github.com/dkalu/fraudmark/internal/rules"
)

func seedRecords(t *testing.T, store Store, n int) []*Record {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	recs := make([]*Record, n)
	for i := 0; i < n; i++ {
		rec := &Record{
			ID:        fmt.Sprintf("ano_%03d", i),
			UserID:    fmt.Sprintf("user-%d", i),
			AlertType: "velocity",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			RiskScore: 0.5,
		}
		require.NoError(t, store.Insert(context.Background(), rec))
		recs[i] = rec
	}
	return recs
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	recs := seedRecords(t, store, 5)

	out, err := store.List(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, recs[4].ID, out[0].ID)
	assert.Equal(t, recs[2].ID, out[2].ID)
}

func TestMemoryStore_ListAfterPaging(t *testing.T) {
	store := NewMemoryStore()
	recs := seedRecords(t, store, 5)
	ctx := context.Background()

	first, err := store.ListAfter(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, recs[4].ID, first[0].ID)
	assert.Equal(t, recs[3].ID, first[1].ID)

	cursor := &pagination.Cursor{CreatedAt: first[1].Timestamp, ID: first[1].ID}
	second, err := store.ListAfter(ctx, cursor, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, recs[2].ID, second[0].ID)
	assert.Equal(t, recs[1].ID, second[1].ID)
}

func TestMemoryStore_ListAfterTieBreaksOnID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"ano_a", "ano_b", "ano_c"} {
		require.NoError(t, store.Insert(ctx, &Record{ID: id, UserID: "u", AlertType: "t", Timestamp: ts}))
	}

	page, err := store.ListAfter(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "ano_c", page[0].ID)
	assert.Equal(t, "ano_b", page[1].ID)

	rest, err := store.ListAfter(ctx, &pagination.Cursor{CreatedAt: ts, ID: "ano_b"}, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "ano_a", rest[0].ID)
}

func newAnomalyRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	router := gin.New()
	NewHandler(store).RegisterRoutes(router.Group("/anomaly"))
	return router, store
}

func TestRecordEndpoint(t *testing.T) {
	router, store := newAnomalyRouter(t)

	body, _ := json.Marshal(gin.H{
		"userId":              "user-1",
		"alertType":           "velocity",
		"sourceAccountNumber": "0123456789",
		"riskScore":           0.92,
	})
	req := httptest.NewRequest(http.MethodPost, "/anomaly/record", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp rules.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Successful)

	recs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "user-1", recs[0].UserID)
	assert.Equal(t, "0123456789", recs[0].SourceAccount)
	assert.Equal(t, 0.92, recs[0].RiskScore)
	assert.NotZero(t, recs[0].Timestamp)
}

func TestRecordEndpoint_MissingFields(t *testing.T) {
	router, _ := newAnomalyRouter(t)

	body, _ := json.Marshal(gin.H{"riskScore": 0.5})
	req := httptest.NewRequest(http.MethodPost, "/anomaly/record", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp rules.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Message, "userId")
}

func TestRecordEndpoint_BadSourceAccount(t *testing.T) {
	router, _ := newAnomalyRouter(t)

	body, _ := json.Marshal(gin.H{
		"userId":              "user-1",
		"alertType":           "velocity",
		"sourceAccountNumber": "not-an-account",
		"riskScore":           0.5,
	})
	req := httptest.NewRequest(http.MethodPost, "/anomaly/record", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp rules.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Message, "sourceAccountNumber")
}

func TestMemoryStore_OnInsertSink(t *testing.T) {
	store := NewMemoryStore()
	var seen []string
	store.OnInsert(func(rec *Record) { seen = append(seen, rec.ID) })

	require.NoError(t, store.Insert(context.Background(), &Record{
		ID: "ano_1", UserID: "u", AlertType: "velocity",
		SourceAccount: "0123456789", Timestamp: time.Now(),
	}))
	assert.Equal(t, []string{"ano_1"}, seen)
}

func TestListEndpoint_CursorRoundTrip(t *testing.T) {
	router, store := newAnomalyRouter(t)
	seedRecords(t, store, 5)

	get := func(path string) (int, map[string]any) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		var resp rules.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		data, _ := resp.Data.(map[string]any)
		return w.Code, data
	}

	code, data := get("/anomaly/records?limit=3")
	require.Equal(t, http.StatusOK, code)
	records, _ := data["records"].([]any)
	assert.Len(t, records, 3)
	assert.Equal(t, true, data["hasMore"])
	next, _ := data["nextCursor"].(string)
	require.NotEmpty(t, next)

	code, data = get("/anomaly/records?limit=3&cursor=" + next)
	require.Equal(t, http.StatusOK, code)
	records, _ = data["records"].([]any)
	assert.Len(t, records, 2)
	assert.Equal(t, false, data["hasMore"])
	assert.Equal(t, "", data["nextCursor"])
}

func TestListEndpoint_BadParams(t *testing.T) {
	router, _ := newAnomalyRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/anomaly/records?limit=zero", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/anomaly/records?cursor=%25%25", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLister_MapsEntries(t *testing.T) {
	store := NewMemoryStore()
	seedRecords(t, store, 2)

	entries, err := NewLister(store).ListAnomalies(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Seq)
	assert.Equal(t, "user-1", entries[0].UserID)
	assert.Equal(t, "velocity", entries[0].AlertType)
}
