package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/raphaelgruber/tutorchat/internal/client"
	"github.com/raphaelgruber/tutorchat/internal/metrics"
	"github.com/raphaelgruber/tutorchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("TUTORCHAT_API_URL", "")
	assert.Equal(t, client.DefaultEndpoint, client.New("").Endpoint())

	t.Setenv("TUTORCHAT_API_URL", "http://api.example.com/")
	assert.Equal(t, "http://api.example.com", client.New("").Endpoint())

	assert.Equal(t, "http://other:1", client.New("http://other:1").Endpoint())
}

func TestLogin(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ana", body["username"])
		assert.Equal(t, "pw", body["password"])

		_, _ = w.Write([]byte(`{"userid":"u1","token":"tok"}`))
	})

	user, err := client.New(srv.URL).Login(context.Background(), "ana", "pw")
	require.NoError(t, err)
	assert.Equal(t, models.User{UserID: "u1", Username: "ana", Token: "tok"}, user)
}

func TestSignupSurfacesServerMessage(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/signup", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"username taken"}`))
	})

	_, err := client.New(srv.URL).Signup(context.Background(), "ana", "pw")
	require.Error(t, err)

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "username taken", apiErr.Message)
	assert.Contains(t, err.Error(), "username taken")
}

func TestLoginWithoutToken(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"userid":"u1"}`))
	})

	_, err := client.New(srv.URL).Login(context.Background(), "ana", "pw")
	assert.Error(t, err)
}

func TestListConversations(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversation/all", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u1", body["userid"])

		_, _ = w.Write([]byte(`{"data":[
			{"conversationid":"c2","timestamp":"2024-03-02T10:00:00.123456","messages":[]},
			{"conversationid":"c1","timestamp":"2024-03-01T09:00:00Z","messages":[]}
		]}`))
	})

	m := metrics.New()
	c := client.New(srv.URL, client.WithToken("tok"), client.WithMetrics(m))
	convs, err := c.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)
	assert.Equal(t, time.Date(2024, 3, 2, 10, 0, 0, 123456000, time.UTC), convs[0].Timestamp.Time)
	assert.Equal(t, "c1", convs[1].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(metrics.OpListHistory, "success")))
}

func TestGetConversation(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/conversation/c1", r.URL.Path)
		_, _ = w.Write([]byte(`{"messages":[
			{"id":"m1","role":"user","content":"hola","create_time":"2024-03-01T09:00:00"},
			{"id":"m2","role":"assistant","content":"hola, ¿qué tal?","audio":"YWJj","create_time":"2024-03-01T09:00:01"}
		]}`))
	})

	msgs, err := client.New(srv.URL, client.WithToken("tok")).GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "YWJj", msgs[1].Audio)
	assert.True(t, msgs[1].HasAudio())
}

func TestGetConversationNotFound(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	m := metrics.New()
	_, err := client.New(srv.URL, client.WithMetrics(m)).GetConversation(context.Background(), "missing")

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Empty(t, apiErr.Message)
	assert.Contains(t, err.Error(), "Not Found")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(metrics.OpLoadHistory, "failure")))
}

func TestSendMessages(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/conversation", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			ConversationID string           `json:"conversationid"`
			Messages       []map[string]any `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c1", body.ConversationID)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, "m1", body.Messages[0]["id"])
		assert.NotContains(t, body.Messages[0], "audio")
		assert.NotContains(t, body.Messages[0], "Failed")

		w.WriteHeader(http.StatusCreated)
	})

	msg := models.Message{ID: "m1", Role: models.RoleUser, Content: "hola", CreateTime: models.NewTimestamp(time.Now())}
	err := client.New(srv.URL, client.WithToken("tok")).SendMessages(context.Background(), "c1", []models.Message{msg})
	require.NoError(t, err)
}

func TestTranscribe(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/transcribe", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		var got [][]byte
		for i := 0; ; i++ {
			file, _, err := r.FormFile("chunk_" + strconv.Itoa(i))
			if err != nil {
				break
			}
			data, err := io.ReadAll(file)
			require.NoError(t, err)
			got = append(got, data)
		}
		assert.Equal(t, [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")}, got)

		_, _ = w.Write([]byte(`{"text":"buenos días"}`))
	})

	text, err := client.New(srv.URL).Transcribe(context.Background(),
		[][]byte{[]byte("ab"), []byte("cd"), []byte("ef")})
	require.NoError(t, err)
	assert.Equal(t, "buenos días", text)
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := client.New(url).SendMessages(context.Background(), "c1", nil)
	require.Error(t, err)

	var apiErr *client.APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Contains(t, err.Error(), "execute request")
}

func TestWithUserSwapsToken(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer second", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	base := client.New(srv.URL, client.WithToken("first"))
	_, err := base.WithUser(models.User{UserID: "u2", Token: "second"}).ListConversations(context.Background(), "u2")
	require.NoError(t, err)
}

func TestLoggingTransport(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	hc := &http.Client{Transport: client.LoggingTransport(nil, logger)}

	resp, err := hc.Get(srv.URL + "/ok")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, buf.String(), "level=DEBUG msg=\"request completed\"")
	assert.Contains(t, buf.String(), "status=200")

	buf.Reset()
	resp, err = hc.Get(srv.URL + "/bad")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, buf.String(), "level=ERROR msg=\"request failed\"")
	assert.Contains(t, buf.String(), "status=502")
}
