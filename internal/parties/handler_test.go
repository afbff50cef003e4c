package parties

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func postCreate(t *testing.T, req CreateRequest) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/parties", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	// Validation rejects before any collaborator is touched.
	h := NewHandler(nil, nil, nil, zap.NewNop())
	h.Create(c)
	return w
}

func TestCreateRejectsInvertedSchedule(t *testing.T) {
	now := time.Now()
	w := postCreate(t, CreateRequest{
		MovieID:   uuid.New(),
		Title:     "movie night",
		StreamURL: "https://cdn.example.com/stream.m3u8",
		StartTime: now.Add(2 * time.Hour),
		EndTime:   now.Add(time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRejectsPastSchedule(t *testing.T) {
	now := time.Now()
	w := postCreate(t, CreateRequest{
		MovieID:   uuid.New(),
		Title:     "movie night",
		StreamURL: "https://cdn.example.com/stream.m3u8",
		StartTime: now.Add(-2 * time.Hour),
		EndTime:   now.Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
