package call

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"flowcore/dispatch"
	"flowcore/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExecutorGetWithoutBody(t *testing.T) {
	var receivedMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	executor := NewHTTPExecutor()
	task := &domain.CallTask{Call: server.URL}
	outcome, err := executor.Execute(context.Background(), task, nil, dispatch.DispatchContext{})
	require.NoError(t, err)
	require.Nil(t, outcome.Error)
	assert.Equal(t, http.MethodGet, receivedMethod)
	assert.JSONEq(t, `{"ok":true}`, string(outcome.Output))
}

func TestHTTPExecutorPostsWithBodyWhenArgumentsPresent(t *testing.T) {
	var receivedMethod string
	var receivedBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&receivedBody)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	executor := NewHTTPExecutor()
	task := &domain.CallTask{Call: server.URL, With: map[string]interface{}{"name": "world"}}
	_, err := executor.Execute(context.Background(), task, nil, dispatch.DispatchContext{})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, receivedMethod)
	assert.Equal(t, "world", receivedBody["name"])
}

func TestHTTPExecutorErrorStatusYieldsCommunicationProblem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	executor := NewHTTPExecutor()
	task := &domain.CallTask{Call: server.URL}
	outcome, err := executor.Execute(context.Background(), task, nil, dispatch.DispatchContext{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, domain.ProblemKindCommunication, outcome.Error.Kind)
}

func TestHTTPExecutorRejectsNonCallTask(t *testing.T) {
	executor := NewHTTPExecutor()
	_, err := executor.Execute(context.Background(), &domain.SetTask{}, nil, dispatch.DispatchContext{})
	require.Error(t, err)
}
