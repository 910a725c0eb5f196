package board

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// Api is the REST surface of the whiteboard backend. All calls except
// login, register, and refresh go through the auth gateway.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl     string
	tokenStore TokenStore
	gateway    *AuthGateway
}

func NewApi(ctx context.Context, apiUrl string, tokenStore TokenStore) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Api{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		tokenStore: tokenStore,
		gateway:    NewAuthGateway(cancelCtx, apiUrl, tokenStore),
	}
}

func (self *Api) Gateway() *AuthGateway {
	return self.gateway
}

func (self *Api) Close() {
	self.gateway.Close()
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    *User  `json:"user,omitempty"`
}

func (self *Api) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go self.AuthLoginSync(authLogin, callback)
}

func (self *Api) AuthLoginSync(authLogin *AuthLoginArgs, callback AuthLoginCallback) (*AuthLoginResult, error) {
	result, err := request(
		self.ctx,
		self.gateway,
		"POST",
		fmt.Sprintf("%s/auth/login/", self.apiUrl),
		authLogin,
		false,
		&AuthLoginResult{},
		callback,
	)
	if err == nil {
		self.saveSession(result)
	}
	return result, err
}

type AuthRegisterCallback apiCallback[*AuthLoginResult]

type AuthRegisterArgs struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (self *Api) AuthRegister(authRegister *AuthRegisterArgs, callback AuthRegisterCallback) {
	go self.AuthRegisterSync(authRegister, callback)
}

func (self *Api) AuthRegisterSync(authRegister *AuthRegisterArgs, callback AuthRegisterCallback) (*AuthLoginResult, error) {
	result, err := request(
		self.ctx,
		self.gateway,
		"POST",
		fmt.Sprintf("%s/auth/register/", self.apiUrl),
		authRegister,
		false,
		&AuthLoginResult{},
		callback,
	)
	if err == nil {
		self.saveSession(result)
	}
	return result, err
}

func (self *Api) saveSession(result *AuthLoginResult) {
	if result.Access != "" {
		self.tokenStore.Save(&Tokens{
			Access:  result.Access,
			Refresh: result.Refresh,
		})
	}
	if result.User != nil {
		self.tokenStore.SaveUser(result.User)
	}
}

type AuthMeCallback apiCallback[*User]

func (self *Api) AuthMe(callback AuthMeCallback) {
	go self.AuthMeSync(callback)
}

func (self *Api) AuthMeSync(callback AuthMeCallback) (*User, error) {
	user, err := request(
		self.ctx,
		self.gateway,
		"GET",
		fmt.Sprintf("%s/auth/me/", self.apiUrl),
		nil,
		true,
		&User{},
		callback,
	)
	if err == nil {
		self.tokenStore.SaveUser(user)
	}
	return user, err
}

// Logout drops the local session. There is no server-side call.
func (self *Api) Logout() {
	self.tokenStore.Clear()
}

type BoardsCallback apiCallback[[]*Board]

func (self *Api) Boards(callback BoardsCallback) {
	go self.BoardsSync(callback)
}

func (self *Api) BoardsSync(callback BoardsCallback) ([]*Board, error) {
	return request(
		self.ctx,
		self.gateway,
		"GET",
		fmt.Sprintf("%s/boards/", self.apiUrl),
		nil,
		true,
		[]*Board{},
		callback,
	)
}

type BoardCallback apiCallback[*Board]

func (self *Api) Board(boardId int64, callback BoardCallback) {
	go self.BoardSync(boardId, callback)
}

func (self *Api) BoardSync(boardId int64, callback BoardCallback) (*Board, error) {
	return request(
		self.ctx,
		self.gateway,
		"GET",
		fmt.Sprintf("%s/boards/%d/", self.apiUrl, boardId),
		nil,
		true,
		&Board{},
		callback,
	)
}

type CreateBoardArgs struct {
	Title string `json:"title"`
}

func (self *Api) CreateBoard(createBoard *CreateBoardArgs, callback BoardCallback) {
	go self.CreateBoardSync(createBoard, callback)
}

func (self *Api) CreateBoardSync(createBoard *CreateBoardArgs, callback BoardCallback) (*Board, error) {
	return request(
		self.ctx,
		self.gateway,
		"POST",
		fmt.Sprintf("%s/boards/", self.apiUrl),
		createBoard,
		true,
		&Board{},
		callback,
	)
}

func (self *Api) UpdateBoard(boardId int64, updateBoard *CreateBoardArgs, callback BoardCallback) {
	go self.UpdateBoardSync(boardId, updateBoard, callback)
}

func (self *Api) UpdateBoardSync(boardId int64, updateBoard *CreateBoardArgs, callback BoardCallback) (*Board, error) {
	return request(
		self.ctx,
		self.gateway,
		"PUT",
		fmt.Sprintf("%s/boards/%d/", self.apiUrl, boardId),
		updateBoard,
		true,
		&Board{},
		callback,
	)
}

type DeleteCallback apiCallback[*EmptyResult]

type EmptyResult struct{}

func (self *Api) DeleteBoard(boardId int64, callback DeleteCallback) {
	go self.DeleteBoardSync(boardId, callback)
}

func (self *Api) DeleteBoardSync(boardId int64, callback DeleteCallback) error {
	_, err := request(
		self.ctx,
		self.gateway,
		"DELETE",
		fmt.Sprintf("%s/boards/%d/", self.apiUrl, boardId),
		nil,
		true,
		&EmptyResult{},
		callback,
	)
	return err
}

type BoardStateCallback apiCallback[*BoardState]

func (self *Api) ExportBoardState(boardId int64, callback BoardStateCallback) {
	go self.ExportBoardStateSync(boardId, callback)
}

func (self *Api) ExportBoardStateSync(boardId int64, callback BoardStateCallback) (*BoardState, error) {
	return request(
		self.ctx,
		self.gateway,
		"GET",
		fmt.Sprintf("%s/boards/%d/export_state/", self.apiUrl, boardId),
		nil,
		true,
		&BoardState{},
		callback,
	)
}

type ImportBoardStateResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ImportBoardStateCallback apiCallback[*ImportBoardStateResult]

func (self *Api) ImportBoardState(boardId int64, state *BoardState, callback ImportBoardStateCallback) {
	go self.ImportBoardStateSync(boardId, state, callback)
}

func (self *Api) ImportBoardStateSync(boardId int64, state *BoardState, callback ImportBoardStateCallback) (*ImportBoardStateResult, error) {
	return request(
		self.ctx,
		self.gateway,
		"POST",
		fmt.Sprintf("%s/boards/%d/import_state/", self.apiUrl, boardId),
		state,
		true,
		&ImportBoardStateResult{},
		callback,
	)
}

type ElementsCallback apiCallback[[]*Element]

func (self *Api) Elements(boardId int64, callback ElementsCallback) {
	go self.ElementsSync(boardId, callback)
}

func (self *Api) ElementsSync(boardId int64, callback ElementsCallback) ([]*Element, error) {
	return request(
		self.ctx,
		self.gateway,
		"GET",
		fmt.Sprintf("%s/elements/?board_id=%d", self.apiUrl, boardId),
		nil,
		true,
		[]*Element{},
		callback,
	)
}

type ElementCallback apiCallback[*Element]

func (self *Api) CreateElement(element *Element, callback ElementCallback) {
	go self.CreateElementSync(element, callback)
}

func (self *Api) CreateElementSync(element *Element, callback ElementCallback) (*Element, error) {
	return request(
		self.ctx,
		self.gateway,
		"POST",
		fmt.Sprintf("%s/elements/", self.apiUrl),
		element,
		true,
		&Element{},
		callback,
	)
}

func (self *Api) UpdateElement(elementId int64, element *Element, callback ElementCallback) {
	go self.UpdateElementSync(elementId, element, callback)
}

func (self *Api) UpdateElementSync(elementId int64, element *Element, callback ElementCallback) (*Element, error) {
	return request(
		self.ctx,
		self.gateway,
		"PUT",
		fmt.Sprintf("%s/elements/%d/", self.apiUrl, elementId),
		element,
		true,
		&Element{},
		callback,
	)
}

func (self *Api) DeleteElement(elementId int64, callback DeleteCallback) {
	go self.DeleteElementSync(elementId, callback)
}

func (self *Api) DeleteElementSync(elementId int64, callback DeleteCallback) error {
	_, err := request(
		self.ctx,
		self.gateway,
		"DELETE",
		fmt.Sprintf("%s/elements/%d/", self.apiUrl, elementId),
		nil,
		true,
		&EmptyResult{},
		callback,
	)
	return err
}

// request issues one REST call. Authenticated calls route through the
// gateway's 401 protocol; unauthenticated ones bypass it. A nil callback
// is allowed for the Sync forms.
func request[R any](ctx context.Context, gateway *AuthGateway, method string, url string, args any, authed bool, result R, callback apiCallback[R]) (R, error) {
	if callback == nil {
		callback = NewNoopApiCallback[R]()
	}

	finish := func(result R, err error) (R, error) {
		callback.Result(result, err)
		return result, err
	}

	var requestBody io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			var empty R
			return finish(empty, err)
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		var empty R
		return finish(empty, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var response *http.Response
	if authed {
		response, err = gateway.Do(req)
	} else {
		response, err = gateway.DoUnauthenticated(req)
	}
	if err != nil {
		var empty R
		return finish(empty, err)
	}
	defer response.Body.Close()

	responseBodyBytes, err := io.ReadAll(response.Body)
	if err != nil {
		var empty R
		return finish(empty, &ConnectivityError{Err: err})
	}

	if response.StatusCode < 200 || 300 <= response.StatusCode {
		var empty R
		return finish(empty, classifyResponse(response.StatusCode, responseBodyBytes))
	}

	if len(responseBodyBytes) == 0 || response.StatusCode == http.StatusNoContent {
		return finish(result, nil)
	}

	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		var empty R
		return finish(empty, err)
	}
	return finish(result, nil)
}
