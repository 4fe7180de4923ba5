package auction

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testProductJson(productId int64, currentPrice int64) []byte {
	detail := &ProductDetail{
		ProductId:         productId,
		Title:             fmt.Sprintf("product %d", productId),
		StartingPrice:     1000,
		CurrentPrice:      currentPrice,
		HighestBidderName: "입찰자 없음",
		Status:            "ACTIVE",
		Category:          CategoryEtc,
	}
	detailJson, _ := json.Marshal(detail)
	return detailJson
}

func newTestApi(handler http.Handler) (*AuctionApi, *MemoryCredentialStore, *httptest.Server) {
	server := httptest.NewServer(handler)
	credentials := NewMemoryCredentialStore()
	api := NewAuctionApiWithCredentials(context.Background(), server.URL, credentials, server.Client())
	return api, credentials, server
}

func waitForCondition(t *testing.T, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatal("condition timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// many calls fail at the same time, exactly one reissue call goes out,
// and every caller resolves with the replayed result
func TestRenewalSingleFlight(t *testing.T) {
	var reissueCount int64

	var api *AuctionApi
	var credentials *MemoryCredentialStore

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case reissuePath:
			atomic.AddInt64(&reissueCount, 1)
			time.Sleep(100 * time.Millisecond)
			credentials.SetTokens("fresh", "refresh")
			w.WriteHeader(http.StatusOK)
		case "/api/v1/products/42":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write(testProductJson(42, 1000))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("stale", "refresh")

	n := 8
	results := make(chan error, n)
	wg := &sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			detail, err := api.GetProductSync(42)
			if err == nil {
				assert.Equal(t, detail.ProductId, int64(42))
			}
			results <- err
		}()
	}
	wg.Wait()

	for i := 0; i < n; i += 1 {
		assert.Equal(t, <-results, nil)
	}
	assert.Equal(t, atomic.LoadInt64(&reissueCount), int64(1))
}

// requests that fail during a renewal replay strictly in arrival order,
// with the renewal trigger replayed last
func TestRenewalFifoReplay(t *testing.T) {
	var orderMutex sync.Mutex
	replayOrder := []string{}

	reissueStarted := make(chan struct{})
	reissueGate := make(chan struct{})

	var credentials *MemoryCredentialStore

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == reissuePath {
			close(reissueStarted)
			<-reissueGate
			credentials.SetTokens("fresh", "refresh")
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		orderMutex.Lock()
		replayOrder = append(replayOrder, r.URL.Path)
		orderMutex.Unlock()
		w.Write(testProductJson(9, 1000))
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("stale", "refresh")

	wg := &sync.WaitGroup{}
	call := func(productId int64) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			api.GetProductSync(productId)
		}()
	}

	call(9)
	<-reissueStarted

	for i, productId := range []int64{1, 2, 3} {
		call(productId)
		pendingCount := i + 1
		waitForCondition(t, func() bool {
			return api.pendingRequestCount() == pendingCount
		})
	}

	close(reissueGate)
	wg.Wait()

	assert.Equal(t, replayOrder, []string{
		"/api/v1/products/1",
		"/api/v1/products/2",
		"/api/v1/products/3",
		"/api/v1/products/9",
	})
}

// a raw-token store has no cookie jar, so the reissue call must present
// the refresh credential itself
func TestRenewalCarriesRefreshToken(t *testing.T) {
	var credentials *MemoryCredentialStore

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case reissuePath:
			refreshCookie, err := r.Cookie(RefreshTokenCookie)
			if err != nil || refreshCookie.Value != "refresh0" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			credentials.SetTokens("fresh", "refresh1")
			w.WriteHeader(http.StatusOK)
		case "/api/v1/products/42":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write(testProductJson(42, 1000))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("stale", "refresh0")

	detail, err := api.GetProductSync(42)
	assert.Equal(t, err, nil)
	assert.Equal(t, detail.ProductId, int64(42))

	// the rotated pair is visible on re-read
	refreshToken, _ := credentials.RefreshToken()
	assert.Equal(t, refreshToken, "refresh1")
}

// a replay that fails again with 401 surfaces the error,
// it never starts a second renewal cycle
func TestNoDoubleRetry(t *testing.T) {
	var reissueCount int64

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == reissuePath {
			atomic.AddInt64(&reissueCount, 1)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("stale", "refresh")

	_, err := api.GetProductSync(42)
	assert.Equal(t, IsAuthExpired(err), true)
	assert.Equal(t, atomic.LoadInt64(&reissueCount), int64(1))
}

// expired session, one reissue, original call replayed and succeeds
func TestRenewalRecovery(t *testing.T) {
	var reissueCount int64

	var credentials *MemoryCredentialStore

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case reissuePath:
			atomic.AddInt64(&reissueCount, 1)
			credentials.SetTokens("fresh", "refresh")
			w.WriteHeader(http.StatusOK)
		case "/api/v1/products/42":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write(testProductJson(42, 1000))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("expired", "refresh")

	detail, err := api.GetProductSync(42)
	assert.Equal(t, err, nil)
	assert.Equal(t, detail.ProductId, int64(42))
	assert.Equal(t, detail.CurrentPrice, int64(1000))
	assert.Equal(t, atomic.LoadInt64(&reissueCount), int64(1))
}

// reissue fails: credentials cleared, redirect to login,
// queued requests rejected with the renewal error
func TestRenewalTerminalFailure(t *testing.T) {
	reissueStarted := make(chan struct{})
	reissueGate := make(chan struct{})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == reissuePath {
			close(reissueStarted)
			<-reissueGate
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("stale", "refresh")

	redirects := make(chan string, 1)
	api.SetLoginRedirect(func(loginPath string) {
		redirects <- loginPath
	})

	triggerResult := make(chan error, 1)
	go func() {
		_, err := api.GetProductSync(42)
		triggerResult <- err
	}()
	<-reissueStarted

	queuedResult := make(chan error, 1)
	go func() {
		_, err := api.GetProductSync(43)
		queuedResult <- err
	}()
	waitForCondition(t, func() bool {
		return api.pendingRequestCount() == 1
	})

	close(reissueGate)

	triggerErr := <-triggerResult
	queuedErr := <-queuedResult
	assert.Equal(t, errors.Is(triggerErr, ErrAuthTerminal), true)
	assert.Equal(t, errors.Is(queuedErr, ErrAuthTerminal), true)

	assert.Equal(t, <-redirects, LoginPath)

	accessToken, _ := credentials.AccessToken()
	refreshToken, _ := credentials.RefreshToken()
	assert.Equal(t, accessToken, "")
	assert.Equal(t, refreshToken, "")
}

// non-auth failures pass through unchanged, no renewal attempt
func TestErrorPassThrough(t *testing.T) {
	var reissueCount int64

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == reissuePath {
			atomic.AddInt64(&reissueCount, 1)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("token", "refresh")

	_, err := api.GetProductSync(42)
	var httpError *HttpError
	assert.Equal(t, errors.As(err, &httpError), true)
	assert.Equal(t, httpError.StatusCode, http.StatusInternalServerError)
	assert.Equal(t, httpError.Message, "boom")
	assert.Equal(t, atomic.LoadInt64(&reissueCount), int64(0))
}

func TestDecodeFailFast(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// shape mismatch: no id, no title
		w.Write([]byte(`{"unexpected": true}`))
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("token", "refresh")

	_, err := api.GetProductSync(42)
	assert.NotEqual(t, err, nil)
}

func TestCreateProductMultipart(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/api/v1/products")
		assert.Equal(t, r.Method, "POST")

		err := r.ParseMultipartForm(16 * 1024 * 1024)
		assert.Equal(t, err, nil)

		var args ProductCreateArgs
		err = json.Unmarshal([]byte(r.FormValue("request")), &args)
		assert.Equal(t, err, nil)
		assert.Equal(t, args.Title, "vintage camera")
		assert.Equal(t, args.Category, CategoryDigitalDevice)

		assert.Equal(t, len(r.MultipartForm.File["images"]), 2)

		w.Header().Set("Location", "/api/v1/products/77")
		w.WriteHeader(http.StatusCreated)
	})

	api, credentials, server := newTestApi(handler)
	defer server.Close()
	defer api.Close()

	credentials.SetTokens("token", "refresh")

	productId, err := api.CreateProductSync(
		&ProductCreateArgs{
			Title:            "vintage camera",
			Description:      "works",
			StartingPrice:    5000,
			Category:         CategoryDigitalDevice,
			AuctionStartTime: "2026-09-01T10:00:00",
			AuctionEndTime:   "2026-09-02T10:00:00",
		},
		[]*ProductImage{
			&ProductImage{Name: "front.jpg", ContentType: "image/jpeg", Data: []byte{0x01}},
			&ProductImage{Name: "back.jpg", ContentType: "image/jpeg", Data: []byte{0x02}},
		},
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, productId, int64(77))
}

func TestCreateProductValidation(t *testing.T) {
	api, _, server := newTestApi(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer server.Close()
	defer api.Close()

	images := []*ProductImage{
		&ProductImage{Name: "a.jpg", Data: []byte{0x01}},
	}
	args := func() *ProductCreateArgs {
		return &ProductCreateArgs{
			Title:         "thing",
			StartingPrice: 1000,
			Category:      CategoryEtc,
		}
	}

	badCategory := args()
	badCategory.Category = "UNKNOWN"
	_, err := api.CreateProductSync(badCategory, images)
	assert.NotEqual(t, err, nil)

	cheap := args()
	cheap.StartingPrice = 50
	_, err = api.CreateProductSync(cheap, images)
	assert.NotEqual(t, err, nil)

	_, err = api.CreateProductSync(args(), []*ProductImage{})
	assert.NotEqual(t, err, nil)

	tooMany := []*ProductImage{}
	for i := 0; i < MaxProductImages+1; i += 1 {
		tooMany = append(tooMany, images[0])
	}
	_, err = api.CreateProductSync(args(), tooMany)
	assert.NotEqual(t, err, nil)
}
