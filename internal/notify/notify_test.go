package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Plannorium/curenium-sub004/internal/auth"
	"github.com/Plannorium/curenium-sub004/internal/frames"
)

type fakeDeliverer struct {
	users []string
	data  []byte
	n     int
}

func (f *fakeDeliverer) Deliver(users []string, data []byte) int {
	f.users = users
	f.data = data
	return f.n
}

func setup(t *testing.T, d Deliverer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := auth.HashIngestSecret("push-secret")
	require.NoError(t, err)
	a := New(d, hash)
	r := gin.New()
	r.POST("/api/v1/notify", a.Ingest)
	return r
}

func post(r *gin.Engine, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Internal-Token", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngest_Delivers(t *testing.T) {
	d := &fakeDeliverer{n: 2}
	r := setup(t, d)

	w := post(r, "push-secret", `{"notification":{"title":"x"},"recipients":["u1"]}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"delivered":2}`, w.Body.String())
	assert.Equal(t, []string{"u1"}, d.users)

	f, err := frames.Decode(d.data)
	require.NoError(t, err)
	n, ok := f.(*frames.Notification)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"x"}`, string(n.Notification))
}

func TestIngest_NoReachableSessions(t *testing.T) {
	r := setup(t, &fakeDeliverer{n: 0})

	w := post(r, "push-secret", `{"notification":{"title":"x"},"recipients":["u1"]}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "no reachable sessions")
}

func TestIngest_RejectsBadSecret(t *testing.T) {
	d := &fakeDeliverer{n: 1}
	r := setup(t, d)

	for _, token := range []string{"", "wrong"} {
		w := post(r, token, `{"notification":{"title":"x"},"recipients":["u1"]}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Nil(t, d.data, "nothing should be delivered")
}

func TestIngest_RejectsStructurallyInvalidBody(t *testing.T) {
	r := setup(t, &fakeDeliverer{n: 1})

	for _, body := range []string{
		`not json`,
		`[1,2,3]`,
	} {
		w := post(r, "push-secret", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
	}
}

// 结构合法但字段缺失的 body 不在这里拦截：没有收件人就是零送达。
func TestIngest_EmptyFieldsFallThroughToDelivery(t *testing.T) {
	for _, body := range []string{
		`{}`,
		`{"notification":{"title":"x"}}`,
		`{"recipients":[]}`,
	} {
		d := &fakeDeliverer{n: 0}
		r := setup(t, d)
		w := post(r, "push-secret", body)
		assert.Equal(t, http.StatusBadGateway, w.Code, "body: %s", body)
		assert.Contains(t, w.Body.String(), "no reachable sessions")
	}

	// 缺 notification 但有在线收件人时照常送达，内容就是 null
	d := &fakeDeliverer{n: 1}
	r := setup(t, d)
	w := post(r, "push-secret", `{"recipients":["u1"]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"u1"}, d.users)
}
