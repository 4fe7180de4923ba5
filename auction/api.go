package auction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const LoginPath = "/login"

const reissuePath = "/api/v1/auth/reissue"

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
func defaultClient(jar http.CookieJar) *http.Client {
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
		Jar:       jar,
	}
}

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

type HttpError struct {
	StatusCode int
	Message    string
}

func (self *HttpError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("http status %d", self.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", self.StatusCode, self.Message)
}

func IsAuthExpired(err error) bool {
	var httpError *HttpError
	return errors.As(err, &httpError) && httpError.StatusCode == http.StatusUnauthorized
}

// renewal itself failed. the session is over, the credential pair is cleared,
// and the caller was redirected to the login entry point
var ErrAuthTerminal = errors.New("session renewal failed")

// invoked on terminal renewal failure with the login entry path
type LoginRedirectFunction func(loginPath string)

// an original call captured while a renewal was underway.
// resolved or rejected in arrival order once the renewal resolves
type pendingRequest struct {
	call   *apiCall
	result chan *apiCallResult
}

type apiCall struct {
	method      string
	path        string
	contentType string
	body        []byte

	// a retry must not re-enter the renewal path
	retry bool

	// the reissue call presents the refresh credential
	attachRefresh bool
}

type apiCallResult struct {
	body   []byte
	header http.Header
	err    error
}

type AuctionApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	httpClient  *http.Client
	credentials CredentialStore

	loginRedirect LoginRedirectFunction

	// renewal state is per instance, never process wide.
	// `isRenewing` is the sole guard: at most one reissue call in flight,
	// every 401 that lands while it is set joins `pendingRequests`
	stateLock       sync.Mutex
	isRenewing      bool
	pendingRequests []*pendingRequest
}

func NewAuctionApi(apiUrl string) *AuctionApi {
	return NewAuctionApiWithContext(context.Background(), apiUrl)
}

func NewAuctionApiWithContext(ctx context.Context, apiUrl string) *AuctionApi {
	jar, _ := cookiejar.New(nil)
	credentials, _ := NewCookieCredentialStore(jar, apiUrl)
	return NewAuctionApiWithCredentials(ctx, apiUrl, credentials, defaultClient(jar))
}

func NewAuctionApiWithCredentials(
	ctx context.Context,
	apiUrl string,
	credentials CredentialStore,
	httpClient *http.Client,
) *AuctionApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	if httpClient == nil {
		httpClient = defaultClient(nil)
	}
	return &AuctionApi{
		ctx:         cancelCtx,
		cancel:      cancel,
		apiUrl:      apiUrl,
		httpClient:  httpClient,
		credentials: credentials,
	}
}

func (self *AuctionApi) Credentials() CredentialStore {
	return self.credentials
}

func (self *AuctionApi) SetLoginRedirect(loginRedirect LoginRedirectFunction) {
	self.loginRedirect = loginRedirect
}

func (self *AuctionApi) Close() {
	self.cancel()
}

// the request pipeline. every typed operation funnels through here
func (self *AuctionApi) raw(method string, path string, contentType string, body []byte) ([]byte, error) {
	responseBody, _, err := self.send(&apiCall{
		method:      method,
		path:        path,
		contentType: contentType,
		body:        body,
	})
	return responseBody, err
}

func (self *AuctionApi) send(call *apiCall) ([]byte, http.Header, error) {
	responseBody, statusCode, header, err := self.do(call)
	if err != nil {
		return nil, nil, err
	}

	if statusCode == http.StatusUnauthorized && !call.retry {
		return self.renewAndReplay(call)
	}

	if statusCode < 200 || 300 <= statusCode {
		// the response body is the error message
		return nil, nil, &HttpError{
			StatusCode: statusCode,
			Message:    strings.TrimSpace(string(responseBody)),
		}
	}

	return responseBody, header, nil
}

func (self *AuctionApi) do(call *apiCall) ([]byte, int, http.Header, error) {
	var bodyReader io.Reader
	if call.body != nil {
		bodyReader = bytes.NewReader(call.body)
	}

	req, err := http.NewRequestWithContext(self.ctx, call.method, self.apiUrl+call.path, bodyReader)
	if err != nil {
		return nil, 0, nil, err
	}

	if call.contentType != "" {
		req.Header.Add("Content-Type", call.contentType)
	}

	// always re-read the credential. it may have been rotated since this call was created
	if accessToken, err := self.credentials.AccessToken(); err == nil && accessToken != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	}

	// when a cookie jar is attached it owns the refresh cookie.
	// stores that hold raw tokens present it explicitly
	if call.attachRefresh && self.httpClient.Jar == nil {
		if refreshToken, err := self.credentials.RefreshToken(); err == nil && refreshToken != "" {
			req.AddCookie(&http.Cookie{
				Name:  RefreshTokenCookie,
				Value: refreshToken,
			})
		}
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer r.Body.Close()

	responseBody, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, 0, nil, err
	}

	return responseBody, r.StatusCode, r.Header, nil
}

// at most one reissue call is in flight at any time.
// calls that 401 while a renewal is underway join the queue and are
// replayed (or rejected) strictly in arrival order after the renewal resolves.
// the call that triggered the renewal is replayed after the queue
func (self *AuctionApi) renewAndReplay(call *apiCall) ([]byte, http.Header, error) {
	self.stateLock.Lock()
	if self.isRenewing {
		pending := &pendingRequest{
			call:   call,
			result: make(chan *apiCallResult, 1),
		}
		self.pendingRequests = append(self.pendingRequests, pending)
		self.stateLock.Unlock()

		select {
		case result := <-pending.result:
			return result.body, result.header, result.err
		case <-self.ctx.Done():
			return nil, nil, self.ctx.Err()
		}
	}
	self.isRenewing = true
	self.stateLock.Unlock()

	glog.Infof("[api]renew\n")
	renewErr := self.reissue()

	self.stateLock.Lock()
	self.isRenewing = false
	pendingRequests := self.pendingRequests
	self.pendingRequests = nil
	self.stateLock.Unlock()

	if renewErr != nil {
		glog.Infof("[api]renew terminal error = %s\n", renewErr)
		terminalErr := fmt.Errorf("%w: %s", ErrAuthTerminal, renewErr)

		for _, pending := range pendingRequests {
			pending.result <- &apiCallResult{
				err: terminalErr,
			}
		}

		self.credentials.Clear()
		if self.loginRedirect != nil {
			self.loginRedirect(LoginPath)
		}

		return nil, nil, terminalErr
	}

	for _, pending := range pendingRequests {
		pending.call.retry = true
		body, header, err := self.send(pending.call)
		pending.result <- &apiCallResult{
			body:   body,
			header: header,
			err:    err,
		}
	}

	call.retry = true
	return self.send(call)
}

// the reissue call is itself retry marked so its own 401 is terminal
func (self *AuctionApi) reissue() error {
	_, _, err := self.send(&apiCall{
		method:        "POST",
		path:          reissuePath,
		retry:         true,
		attachRefresh: true,
	})
	return err
}

func (self *AuctionApi) pendingRequestCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingRequests)
}

func getJson[R any](api *AuctionApi, path string, result R) (R, error) {
	responseBody, err := api.raw("GET", path, "", nil)
	if err != nil {
		var empty R
		return empty, err
	}
	if err := decodeJson(responseBody, result); err != nil {
		var empty R
		return empty, err
	}
	return result, nil
}

type validatable interface {
	check() error
}

// the system boundary decode. fail fast on shape mismatch rather than
// propagating zero values silently
func decodeJson(responseBody []byte, result any) error {
	if err := json.Unmarshal(responseBody, result); err != nil {
		return err
	}
	if v, ok := result.(validatable); ok {
		if err := v.check(); err != nil {
			return err
		}
	}
	return nil
}

type UserInfo struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

func (self *UserInfo) check() error {
	if self.Email == "" {
		return errors.New("user info missing email")
	}
	return nil
}

type Category string

const (
	CategoryDigitalDevice      Category = "DIGITAL_DEVICE"
	CategoryHomeAppliances     Category = "HOME_APPLIANCES"
	CategoryFurnitureInterior  Category = "FURNITURE_INTERIOR"
	CategoryLifeKitchen        Category = "LIFE_KITCHEN"
	CategoryClothing           Category = "CLOTHING"
	CategoryBeauty             Category = "BEAUTY"
	CategorySportsLeisure      Category = "SPORTS_LEISURE"
	CategoryBooksTicketsRecord Category = "BOOKS_TICKETS_RECORDS"
	CategoryPetSupplies        Category = "PET_SUPPLIES"
	CategoryEtc                Category = "ETC"
)

func KnownCategory(category Category) bool {
	switch category {
	case CategoryDigitalDevice, CategoryHomeAppliances, CategoryFurnitureInterior,
		CategoryLifeKitchen, CategoryClothing, CategoryBeauty, CategorySportsLeisure,
		CategoryBooksTicketsRecord, CategoryPetSupplies, CategoryEtc:
		return true
	default:
		return false
	}
}

type ProductDetail struct {
	ProductId         int64    `json:"id"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	StartingPrice     int64    `json:"startingPrice"`
	CurrentPrice      int64    `json:"currentPrice"`
	HighestBidderName string   `json:"highestBidderName"`
	AuctionStartTime  string   `json:"auctionStartTime"`
	AuctionEndTime    string   `json:"auctionEndTime"`
	Status            string   `json:"status"`
	SellerName        string   `json:"sellerName"`
	BidderCount       int      `json:"bidderCount"`
	ImageUrls         []string `json:"imageUrls"`
	ThumbnailUrl      string   `json:"thumbnailUrl"`
	Category          Category `json:"category"`
}

func (self *ProductDetail) check() error {
	if self.ProductId == 0 {
		return errors.New("product missing id")
	}
	if self.Title == "" {
		return errors.New("product missing title")
	}
	return nil
}

type ProductPage struct {
	Content    []*ProductDetail `json:"content"`
	Last       bool             `json:"last"`
	TotalPages int              `json:"totalPages"`
	Number     int              `json:"number"`
}

const DefaultProductPageSize = 9
const DefaultProductSort = "auctionEndTime,asc"

type GetMeCallback apiCallback[*UserInfo]

func (self *AuctionApi) GetMe(callback GetMeCallback) {
	go func() {
		callback.Result(self.GetMeSync())
	}()
}

func (self *AuctionApi) GetMeSync() (*UserInfo, error) {
	return getJson(self, "/api/v1/users/me", &UserInfo{})
}

type GetProductsCallback apiCallback[*ProductPage]

func (self *AuctionApi) GetProducts(page int, callback GetProductsCallback) {
	go func() {
		callback.Result(self.GetProductsSync(page))
	}()
}

func (self *AuctionApi) GetProductsSync(page int) (*ProductPage, error) {
	path := fmt.Sprintf(
		"/api/v1/products?page=%d&size=%d&sort=%s",
		page,
		DefaultProductPageSize,
		DefaultProductSort,
	)
	return getJson(self, path, &ProductPage{})
}

type GetProductCallback apiCallback[*ProductDetail]

func (self *AuctionApi) GetProduct(productId int64, callback GetProductCallback) {
	go func() {
		callback.Result(self.GetProductSync(productId))
	}()
}

func (self *AuctionApi) GetProductSync(productId int64) (*ProductDetail, error) {
	return getJson(self, fmt.Sprintf("/api/v1/products/%d", productId), &ProductDetail{})
}

// the credential pair is cleared whether or not the call succeeds
func (self *AuctionApi) LogoutSync() error {
	_, err := self.raw("POST", "/api/v1/auth/logout", "", nil)
	if clearErr := self.credentials.Clear(); clearErr != nil {
		return clearErr
	}
	if err != nil {
		glog.Infof("[api]logout error = %s\n", err)
	}
	return err
}

func parseCreatedProductId(location string) (int64, error) {
	i := strings.LastIndex(location, "/")
	if i < 0 {
		return 0, fmt.Errorf("cannot parse product location %s", location)
	}
	productId, err := strconv.ParseInt(location[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse product location %s", location)
	}
	return productId, nil
}
