package board

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newAuthBackend() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		var args AuthLoginArgs
		json.NewDecoder(r.Body).Decode(&args)
		if args.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(&AuthLoginResult{
			Access:  "access-1",
			Refresh: "refresh-1",
			User: &User{
				Id:       1,
				Username: args.Username,
			},
		})
	})
	mux.HandleFunc("/api/auth/register/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string][]string{
			"username": {"A user with that username already exists."},
		})
	})
	mux.HandleFunc("/api/auth/me/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(&User{
			Id:       1,
			Username: "demo",
		})
	})
	mux.HandleFunc("/api/boards/7/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "DELETE":
			w.WriteHeader(http.StatusNoContent)
		case "GET":
			json.NewEncoder(w).Encode(&Board{Id: 7, Title: "retro"})
		}
	})
	mux.HandleFunc("/api/boards/7/export_state/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&BoardState{
			Id:    7,
			Title: "retro",
			Elements: []*Element{
				{Id: 1, BoardId: 7, ElementType: "text"},
			},
		})
	})
	mux.HandleFunc("/api/boards/404/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

func TestAuthLoginSavesSession(t *testing.T) {
	server := newAuthBackend()
	defer server.Close()

	tokenStore := NewMemoryTokenStore()
	api := NewApi(context.Background(), server.URL+"/api", tokenStore)
	defer api.Close()

	result, err := api.AuthLoginSync(&AuthLoginArgs{
		Username: "demo",
		Password: "hunter2",
	}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, "access-1", result.Access)

	tokens := tokenStore.Get()
	assert.Equal(t, "access-1", tokens.Access)
	assert.Equal(t, "refresh-1", tokens.Refresh)
	assert.Equal(t, "demo", tokenStore.GetUser().Username)

	user, err := api.AuthMeSync(nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), user.Id)

	api.Logout()
	assert.Equal(t, nil, tokenStore.Get())
	assert.Equal(t, nil, tokenStore.GetUser())
}

func TestAuthLoginBadCredentials(t *testing.T) {
	server := newAuthBackend()
	defer server.Close()

	tokenStore := NewMemoryTokenStore()
	api := NewApi(context.Background(), server.URL+"/api", tokenStore)
	defer api.Close()

	_, err := api.AuthLoginSync(&AuthLoginArgs{
		Username: "demo",
		Password: "wrong",
	}, nil)

	// login failure never reaches the refresh protocol
	var apiErr *ApiError
	assert.Equal(t, true, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, nil, tokenStore.Get())
}

func TestAuthRegisterValidationError(t *testing.T) {
	server := newAuthBackend()
	defer server.Close()

	api := NewApi(context.Background(), server.URL+"/api", NewMemoryTokenStore())
	defer api.Close()

	_, err := api.AuthRegisterSync(&AuthRegisterArgs{
		Username: "demo",
		Email:    "demo@example.com",
		Password: "hunter2",
	}, nil)

	var validationErr *ValidationError
	assert.Equal(t, true, errors.As(err, &validationErr))
	assert.Equal(t, "username", validationErr.Field)
}

func TestDeleteBoardNoContent(t *testing.T) {
	server := newAuthBackend()
	defer server.Close()

	tokenStore := NewMemoryTokenStore()
	tokenStore.Save(&Tokens{Access: "access-1", Refresh: "refresh-1"})
	api := NewApi(context.Background(), server.URL+"/api", tokenStore)
	defer api.Close()

	assert.Equal(t, nil, api.DeleteBoardSync(7, nil))
}

func TestBoardNotFound(t *testing.T) {
	server := newAuthBackend()
	defer server.Close()

	tokenStore := NewMemoryTokenStore()
	tokenStore.Save(&Tokens{Access: "access-1", Refresh: "refresh-1"})
	api := NewApi(context.Background(), server.URL+"/api", tokenStore)
	defer api.Close()

	_, err := api.BoardSync(404, nil)
	assert.Equal(t, true, IsNotFound(err))
}

func TestExportBoardState(t *testing.T) {
	server := newAuthBackend()
	defer server.Close()

	tokenStore := NewMemoryTokenStore()
	tokenStore.Save(&Tokens{Access: "access-1", Refresh: "refresh-1"})
	api := NewApi(context.Background(), server.URL+"/api", tokenStore)
	defer api.Close()

	state, err := api.ExportBoardStateSync(7, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, "retro", state.Title)
	assert.Equal(t, 1, len(state.Elements))
}

func TestAsyncCallback(t *testing.T) {
	server := newAuthBackend()
	defer server.Close()

	tokenStore := NewMemoryTokenStore()
	tokenStore.Save(&Tokens{Access: "access-1", Refresh: "refresh-1"})
	api := NewApi(context.Background(), server.URL+"/api", tokenStore)
	defer api.Close()

	callback, c := NewBlockingApiCallback[*Board]()
	api.Board(7, callback)
	result := <-c
	assert.Equal(t, nil, result.Error)
	assert.Equal(t, "retro", result.Result.Title)
}
