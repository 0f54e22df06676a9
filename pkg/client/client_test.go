package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luckiday/dreamgaussian-api/pkg/api"
	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
	"github.com/luckiday/dreamgaussian-api/pkg/auth"
	"github.com/luckiday/dreamgaussian-api/pkg/gateway"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/retry"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
	"github.com/luckiday/dreamgaussian-api/pkg/variants"
)

func newServer(t *testing.T, opts api.RouterOptions) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	reg := variants.Builtin()
	resolver := artifacts.NewResolver(t.TempDir(), reg)
	st := store.NewMemoryStore()
	svc := gateway.NewService(reg, resolver, st, st, logging.Nop())
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(svc, resolver, st, logging.Nop()), opts))
	t.Cleanup(srv.Close)
	return srv, st
}

var fast = retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

func TestSubmitStatusWait(t *testing.T) {
	srv, st := newServer(t, api.RouterOptions{})
	c := New(srv.URL, WithRetry(fast))
	ctx := context.Background()

	resp, code, err := c.Submit(ctx, api.GenerateRequest{Prompt: "a robot", SavePath: "robot"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, code)

	status, err := c.Status(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "Pending", status.State)

	go func() {
		time.Sleep(20 * time.Millisecond)
		job, err := st.Claim(ctx, "w1")
		if err != nil {
			return
		}
		st.CompleteJob(ctx, job.ID, models.JobResult{Message: "3D object generated successfully", ObjectPath: "logs_dg/robot.obj"})
	}()

	var polls int
	final, err := c.Wait(ctx, resp.TaskID, 5*time.Millisecond, func(*api.TaskStatusResponse) { polls++ })
	require.NoError(t, err)
	assert.Equal(t, "Succeeded", final.State)
	assert.Equal(t, "logs_dg/robot.obj", final.Result.ObjectPath)
	assert.GreaterOrEqual(t, polls, 1)
}

func TestWaitNonPositiveInterval(t *testing.T) {
	srv, st := newServer(t, api.RouterOptions{})
	c := New(srv.URL, WithRetry(fast))
	ctx := context.Background()

	resp, _, err := c.Submit(ctx, api.GenerateRequest{Prompt: "a lamp", SavePath: "lamp"})
	require.NoError(t, err)
	job, err := st.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, st.FailJob(ctx, job.ID, "stage 1 exited with code 1", nil))

	for _, interval := range []time.Duration{0, -time.Second} {
		final, err := c.Wait(ctx, resp.TaskID, interval, nil)
		require.NoError(t, err)
		assert.Equal(t, "Failed", final.State)
	}
}

func TestSubmitValidationError(t *testing.T) {
	srv, _ := newServer(t, api.RouterOptions{})
	c := New(srv.URL)

	_, code, err := c.Submit(context.Background(), api.GenerateRequest{Prompt: "x", Model: "NOPE"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid model", apiErr.Message)
	assert.Contains(t, apiErr.Details, "NOPE")
}

func TestStatusNotFoundIsNotRetried(t *testing.T) {
	srv, _ := newServer(t, api.RouterOptions{})
	c := New(srv.URL, WithRetry(fast))

	_, err := c.Status(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrTaskNotFound), err)
}

func TestStatusRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"busy"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"task_id":"abc","state":"Running","status":"Running stage 2 of 2","result":{"stage":2}}`))
	}))
	defer srv.Close()

	st, err := New(srv.URL, WithRetry(fast)).Status(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Result.Stage)
	assert.EqualValues(t, 3, calls.Load())
}

func TestSentinelWaitReturnsImmediately(t *testing.T) {
	srv, _ := newServer(t, api.RouterOptions{})
	c := New(srv.URL)

	st, err := c.Wait(context.Background(), models.SentinelJobID, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, "3D object already exists", st.Message)
}

func TestAPIKeyAndList(t *testing.T) {
	keys, err := auth.NewKeyChecker("k", "")
	require.NoError(t, err)
	srv, _ := newServer(t, api.RouterOptions{Keys: keys})
	ctx := context.Background()

	_, err = New(srv.URL, WithRetry(fast)).List(ctx, "", 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c := New(srv.URL, WithAPIKey("k"), WithRetry(fast))
	for i := 0; i < 2; i++ {
		_, _, err := c.Submit(ctx, api.GenerateRequest{Prompt: "p"})
		require.NoError(t, err)
	}
	list, err := c.List(ctx, "Pending", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Count)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}
