package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projective/internal/store"
	"projective/pkg/contract"
	"projective/plugins/datasource/rest"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemory(func() time.Time { return now })
	if opts.Now == nil {
		opts.Now = func() time.Time { return now }
	}
	srv := httptest.NewServer(New(st, opts, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, method, url, user, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

const chanPath = "/api/v1/dashboard/comms/channels/general/messages"

func TestListAndCount(t *testing.T) {
	srv, st := newTestServer(t, Options{})
	c := contract.CollectionID{Kind: contract.KindChannel, ID: "general"}
	for i := 0; i < 3; i++ {
		_, err := st.Append(context.Background(), c, contract.Message{Text: "hi", Sender: contract.Sender{ID: "u1"}})
		require.NoError(t, err)
	}

	resp, body := do(t, "GET", srv.URL+chanPath+"?countOnly=true&type=channel", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, body["meta"].(map[string]any)["totalCount"])
	require.NotContains(t, body, "items")

	resp, body = do(t, "GET", srv.URL+chanPath+"?type=channel&start=1&limit=5", "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	require.Equal(t, true, first["isSelf"])
	require.Equal(t, "Unknown User", first["sender"].(map[string]any)["name"])

	// 越界返回空数组而非 null
	resp, body = do(t, "GET", srv.URL+chanPath+"?type=channel&start=10&limit=5", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{}, body["items"])
}

func TestListValidation(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	resp, body := do(t, "GET", srv.URL+chanPath+"?type=group", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Invalid type", body["error"])

	// 缺少 type 同样拒绝（读与写）
	resp, body = do(t, "GET", srv.URL+chanPath+"?start=0&limit=5", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Invalid type", body["error"])
	resp, body = do(t, "POST", srv.URL+chanPath, "u1", `{"message":"hi"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Invalid type", body["error"])

	for _, q := range []string{"?type=channel&start=-1", "?type=channel&limit=0", "?type=channel&start=x"} {
		resp, _ = do(t, "GET", srv.URL+chanPath+q, "", "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestSendFlow(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	url := srv.URL + chanPath + "?type=channel"

	resp, body := do(t, "POST", url, "", `{"message":"hi"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Unauthorized", body["error"])

	for _, b := range []string{`{}`, `{"message":""}`, `{"message":42}`, `not json`} {
		resp, body = do(t, "POST", url, "u1", b)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, b)
		require.Equal(t, "Missing or invalid message", body["error"])
	}

	resp, body = do(t, "POST", url, "u1", `{"message":"this is a scam"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Message rejected: Content contains prohibited keywords.", body["error"])

	resp, body = do(t, "POST", url, "u1", `{"message":"hello","clientId":"tmp-1","attachments":["f1"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "tmp-1", body["clientId"])
	require.Equal(t, "general", body["channelId"])
	require.Equal(t, true, body["isSelf"])
	atts := body["attachments"].([]any)
	require.Equal(t, "/api/v1/files/f1/access", atts[0].(map[string]any)["url"])
	id := body["id"]

	// 重复 clientId 幂等
	_, again := do(t, "POST", url, "u1", `{"message":"hello","clientId":"tmp-1"}`)
	require.Equal(t, id, again["id"])
	_, cnt := do(t, "GET", srv.URL+chanPath+"?countOnly=true&type=channel", "", "")
	require.EqualValues(t, 1, cnt["meta"].(map[string]any)["totalCount"])

	// 他人视角 isSelf=false
	_, list := do(t, "GET", srv.URL+chanPath+"?type=channel", "u2", "")
	require.Equal(t, false, list["items"].([]any)[0].(map[string]any)["isSelf"])
}

func TestNewDMThread(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	url := srv.URL + "/api/v1/dashboard/comms/channels/new/messages?type=dm"

	resp, body := do(t, "POST", url, "alice", `{"message":"hi"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Target user required for new DM", body["error"])

	resp, body = do(t, "POST", url, "alice", `{"message":"hi","targetUserId":"bob"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	thread := store.DMThreadID("alice", "bob")
	require.Equal(t, thread, body["channelId"])

	// bob 在同一会话中可见
	_, list := do(t, "GET", srv.URL+"/api/v1/dashboard/comms/channels/"+thread+"/messages?type=dm", "bob", "")
	require.Len(t, list["items"].([]any), 1)
}

func TestStageChatFixture(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	path := srv.URL + "/api/v1/dashboard/projects/p1/stages/s1/chat"

	_, body := do(t, "GET", path+"?countOnly=true", "", "")
	require.EqualValues(t, store.FixtureSize, body["meta"].(map[string]any)["totalCount"])

	_, body = do(t, "GET", path+"?start=120&limit=20", "you", "")
	items := body["items"].([]any)
	require.Len(t, items, 5)
	require.Equal(t, "msg-120", items[0].(map[string]any)["id"])
	require.Equal(t, true, items[0].(map[string]any)["isSelf"])

	// 重复访问不重复写入
	_, body = do(t, "GET", path+"?countOnly=true", "", "")
	require.EqualValues(t, store.FixtureSize, body["meta"].(map[string]any)["totalCount"])
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Options{RPM: 2})
	for i := 0; i < 2; i++ {
		resp, _ := do(t, "GET", srv.URL+chanPath+"?type=channel", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := do(t, "GET", srv.URL+chanPath+"?type=channel", "", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "30", resp.Header.Get("Retry-After"))
	require.Equal(t, "Too many requests", body["error"])

	// 健康检查不受限
	resp, _ = do(t, "GET", srv.URL+"/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	do(t, "GET", srv.URL+chanPath+"?type=channel", "", "")
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), "projective_op_total")
}

// rest 数据源对接真实路由：契约两端一致
func TestRestSourceAgainstServer(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	src, err := rest.New(rest.Options{
		BaseURL:          srv.URL,
		EndpointTemplate: "/api/v1/dashboard/projects/p1/stages/{collection}/chat",
		Collection:       "s9",
		UserID:           "you",
	}, contract.MessageKey, contract.MessageAlias, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.Equal(t, store.FixtureSize, src.GetMeta(ctx).TotalCount)
	res := src.Fetch(ctx, contract.Range{Start: 100, Length: 20})
	require.NoError(t, res.Err)
	require.Len(t, res.Items, 20)
	require.Equal(t, "msg-100", res.Items[0].ID)

	m, err := src.Append(ctx, contract.Draft{Message: "from rest", ClientID: "tmp-r"})
	require.NoError(t, err)
	require.Equal(t, "tmp-r", src.AliasKey(m))
	require.Equal(t, store.FixtureSize+1, src.GetMeta(ctx).TotalCount)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(store.NewMemory(nil), Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Serve 未在取消后退出")
	}
}
