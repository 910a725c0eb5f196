package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 10 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type pendingRefresh struct {
	done chan struct{}
	err  error
}

// AuthGateway wraps every outbound REST call: it attaches the bearer
// token and, on a 401, runs the refresh protocol and transparently
// retries the request exactly once.
//
// The refresh is single-flight. N requests that fail with 401 at the
// same time produce exactly one POST /auth/refresh; the others wait on
// the in-flight result. A failed refresh clears the token store, fails
// every waiter with ErrSessionExpired, and fires the session-expired
// callbacks so the UI layer can force a logout.
type AuthGateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl     string
	tokenStore TokenStore
	client     *http.Client

	mutex   sync.Mutex
	pending *pendingRefresh

	sessionExpiredCallbacks *CallbackList[func()]
}

func NewAuthGateway(ctx context.Context, apiUrl string, tokenStore TokenStore) *AuthGateway {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AuthGateway{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		apiUrl:                  apiUrl,
		tokenStore:              tokenStore,
		client:                  defaultClient(),
		sessionExpiredCallbacks: NewCallbackList[func()](),
	}
}

func (self *AuthGateway) AddSessionExpiredCallback(callback func()) func() {
	callbackId := self.sessionExpiredCallbacks.Add(callback)
	return func() {
		self.sessionExpiredCallbacks.Remove(callbackId)
	}
}

// Do issues an authenticated request. The returned response may carry any
// status except 401, which is consumed by the refresh protocol. The
// request body, if any, must be replayable (req.GetBody set), which
// http.NewRequest arranges for the usual byte-backed readers.
func (self *AuthGateway) Do(req *http.Request) (*http.Response, error) {
	self.attachBearer(req)

	response, err := self.client.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}
	if response.StatusCode != http.StatusUnauthorized {
		return response, nil
	}

	// 401: refresh once, retry once
	drain(response)

	if err := self.refresh(req.Context()); err != nil {
		return nil, err
	}

	retryReq, err := replay(req)
	if err != nil {
		return nil, err
	}
	self.attachBearer(retryReq)

	response, err = self.client.Do(retryReq)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}
	if response.StatusCode == http.StatusUnauthorized {
		// a second 401 after a successful refresh is fatal,
		// never another refresh
		drain(response)
		self.expireSession()
		return nil, ErrSessionExpired
	}
	return response, nil
}

// DoUnauthenticated issues a request without a bearer token and without
// the 401 retry. Used for login, register, and by the refresh call itself.
func (self *AuthGateway) DoUnauthenticated(req *http.Request) (*http.Response, error) {
	response, err := self.client.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}
	return response, nil
}

func (self *AuthGateway) attachBearer(req *http.Request) {
	if tokens := self.tokenStore.Get(); tokens != nil && tokens.Access != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", tokens.Access))
	}
}

// refresh joins the in-flight refresh if there is one, else starts it.
func (self *AuthGateway) refresh(ctx context.Context) error {
	self.mutex.Lock()
	if pending := self.pending; pending != nil {
		self.mutex.Unlock()
		select {
		case <-pending.done:
			return pending.err
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		}
	}
	pending := &pendingRefresh{
		done: make(chan struct{}),
	}
	self.pending = pending
	self.mutex.Unlock()

	pending.err = self.doRefresh()

	self.mutex.Lock()
	self.pending = nil
	self.mutex.Unlock()
	close(pending.done)

	return pending.err
}

// doRefresh exchanges the stored refresh token for a new access token.
// The refresh runs on the gateway context, not the request context, so
// that one cancelled waiter does not abort the shared refresh.
func (self *AuthGateway) doRefresh() error {
	tokens := self.tokenStore.Get()
	if tokens == nil || tokens.Refresh == "" {
		self.expireSession()
		return ErrSessionExpired
	}

	requestBodyBytes, err := json.Marshal(map[string]string{
		"refresh": tokens.Refresh,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/auth/refresh/", self.apiUrl),
		bytes.NewReader(requestBodyBytes),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := self.client.Do(req)
	if err != nil {
		// no response at all. The refresh token may still be good,
		// so keep the store intact and surface connectivity.
		return &ConnectivityError{Err: err}
	}
	defer response.Body.Close()

	responseBodyBytes, err := io.ReadAll(response.Body)
	if err != nil {
		return &ConnectivityError{Err: err}
	}

	if response.StatusCode != http.StatusOK {
		glog.Infof("[auth]refresh rejected status=%d\n", response.StatusCode)
		self.expireSession()
		return ErrSessionExpired
	}

	var result Tokens
	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		return err
	}
	if result.Refresh == "" {
		// rotation is optional. Keep the old refresh token.
		result.Refresh = tokens.Refresh
	}
	self.tokenStore.Save(&result)
	glog.V(1).Infof("[auth]refreshed\n")
	return nil
}

func (self *AuthGateway) expireSession() {
	self.tokenStore.Clear()
	for _, callback := range self.sessionExpiredCallbacks.Get() {
		callback()
	}
}

func (self *AuthGateway) Close() {
	self.cancel()
}

func replay(req *http.Request) (*http.Request, error) {
	retryReq := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retryReq.Body = body
	}
	return retryReq, nil
}

func drain(response *http.Response) {
	io.Copy(io.Discard, response.Body)
	response.Body.Close()
}
