package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"

	"github.com/suho149/auction-connect/auction"
)

const AuctionCtlVersion = "0.0.1"

const DefaultApiUrl = "http://localhost:8080"
const DefaultWsUrl = "ws://localhost:8080/ws"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Auction marketplace client.

The default urls are:
    api_url: http://localhost:8080
    ws_url: ws://localhost:8080/ws
Urls and tokens can also come from a .env file
(AUCTION_API_URL, AUCTION_WS_URL, AUCTION_ACCESS_TOKEN, AUCTION_REFRESH_TOKEN).

Usage:
    auctionctl me [--api_url=<api_url>] [--access_token=<token>] [--refresh_token=<token>]
    auctionctl login-status [--access_token=<token>]
    auctionctl products [--page=<page>] [--api_url=<api_url>] [--access_token=<token>] [--refresh_token=<token>]
    auctionctl product <product_id> [--api_url=<api_url>] [--access_token=<token>] [--refresh_token=<token>]
    auctionctl watch <product_id> [--api_url=<api_url>] [--ws_url=<ws_url>]
        [--access_token=<token>] [--refresh_token=<token>]
    auctionctl bid <product_id> <amount> [--ws_url=<ws_url>]
        [--access_token=<token>] [--refresh_token=<token>]
    auctionctl logout [--api_url=<api_url>] [--access_token=<token>] [--refresh_token=<token>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --access_token=<token>   Bearer access token.
    --refresh_token=<token>  Refresh token.
    --page=<page>            Product list page [default: 0].`

	godotenv.Load()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AuctionCtlVersion)
	if err != nil {
		panic(err)
	}

	if me_, _ := opts.Bool("me"); me_ {
		me(opts)
	} else if loginStatus_, _ := opts.Bool("login-status"); loginStatus_ {
		loginStatus(opts)
	} else if products_, _ := opts.Bool("products"); products_ {
		products(opts)
	} else if product_, _ := opts.Bool("product"); product_ {
		product(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if bid_, _ := opts.Bool("bid"); bid_ {
		bid(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	if apiUrl := os.Getenv("AUCTION_API_URL"); apiUrl != "" {
		return apiUrl
	}
	return DefaultApiUrl
}

func wsUrl(opts docopt.Opts) string {
	if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		return wsUrl
	}
	if wsUrl := os.Getenv("AUCTION_WS_URL"); wsUrl != "" {
		return wsUrl
	}
	return DefaultWsUrl
}

func credentials(opts docopt.Opts) *auction.MemoryCredentialStore {
	accessToken, _ := opts.String("--access_token")
	if accessToken == "" {
		accessToken = os.Getenv("AUCTION_ACCESS_TOKEN")
	}
	refreshToken, _ := opts.String("--refresh_token")
	if refreshToken == "" {
		refreshToken = os.Getenv("AUCTION_REFRESH_TOKEN")
	}
	credentials := auction.NewMemoryCredentialStore()
	credentials.SetTokens(accessToken, refreshToken)
	return credentials
}

func newApi(opts docopt.Opts) *auction.AuctionApi {
	api := auction.NewAuctionApiWithCredentials(
		context.Background(),
		apiUrl(opts),
		credentials(opts),
		nil,
	)
	api.SetLoginRedirect(func(loginPath string) {
		Out.Printf("Session expired. Log in again at %s%s\n", apiUrl(opts), loginPath)
	})
	return api
}

func productId(opts docopt.Opts) int64 {
	productIdStr, err := opts.String("<product_id>")
	if err != nil {
		Err.Fatal(err)
	}
	productId, err := strconv.ParseInt(productIdStr, 10, 64)
	if err != nil {
		Err.Fatalf("bad product id %s", productIdStr)
	}
	return productId
}

func me(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	userInfo, err := api.GetMeSync()
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("%s <%s>\n", userInfo.Name, userInfo.Email)
}

func loginStatus(opts docopt.Opts) {
	accessToken, _ := credentials(opts).AccessToken()
	if accessToken == "" {
		Out.Printf("no credential\n")
		return
	}
	claims, err := auction.ParseTokenClaimsUnverified(accessToken)
	if err != nil {
		Err.Fatal(err)
	}
	Out.Printf("subject=%s email=%s expires=%s\n", claims.Subject, claims.Email, claims.ExpirationTime)
}

func products(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	page, _ := opts.Int("--page")
	productPage, err := api.GetProductsSync(page)
	if err != nil {
		Err.Fatal(err)
	}
	for _, product := range productPage.Content {
		Out.Printf(
			"%6d  %-12s %8d  %s\n",
			product.ProductId,
			product.Status,
			product.CurrentPrice,
			product.Title,
		)
	}
	if !productPage.Last {
		Out.Printf("... more on page %d\n", page+1)
	}
}

func product(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	detail, err := api.GetProductSync(productId(opts))
	if err != nil {
		Err.Fatal(err)
	}
	printDetail(detail)
}

func printDetail(detail *auction.ProductDetail) {
	Out.Printf("#%d %s (%s)\n", detail.ProductId, detail.Title, detail.Status)
	Out.Printf("  seller:  %s\n", detail.SellerName)
	Out.Printf("  price:   %d (start %d)\n", detail.CurrentPrice, detail.StartingPrice)
	Out.Printf("  leader:  %s (%d bidders)\n", detail.HighestBidderName, detail.BidderCount)
	Out.Printf("  ends:    %s\n", detail.AuctionEndTime)
}

func watch(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	watchProductId := productId(opts)

	detail, err := api.GetProductSync(watchProductId)
	if err != nil {
		Err.Fatal(err)
	}

	projector := auction.NewAuctionProjector()
	projector.Put(detail)
	printDetail(detail)

	channel := auction.NewChannelWithDefaults(context.Background(), wsUrl(opts), api.Credentials())
	defer channel.Close()

	projector.AddUpdateCallback(func(updatedProductId int64) {
		if detail, ok := projector.Get(updatedProductId); ok {
			Out.Printf(
				"-> %d by %s (%d bidders)\n",
				detail.CurrentPrice,
				detail.HighestBidderName,
				detail.BidderCount,
			)
		}
	})

	auction.BindAuctionTopic(channel, projector, watchProductId)
	auction.BindErrorQueue(channel, func(message string) {
		Out.Printf("bid rejected: %s\n", message)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func bid(opts docopt.Opts) {
	amountStr, err := opts.String("<amount>")
	if err != nil {
		Err.Fatal(err)
	}
	amount, err := strconv.ParseInt(amountStr, 10, 64)
	if err != nil {
		Err.Fatalf("bad amount %s", amountStr)
	}

	channel := auction.NewChannelWithDefaults(context.Background(), wsUrl(opts), credentials(opts))
	defer channel.Close()

	// wait for the channel to come up before publishing
	for {
		notify := channel.ConnectNotify()
		if channel.Connected() {
			break
		}
		<-notify
	}

	rejected := make(chan string, 1)
	auction.BindErrorQueue(channel, func(message string) {
		select {
		case rejected <- message:
		default:
		}
	})

	if err := auction.PlaceBid(channel, productId(opts), amount); err != nil {
		Err.Fatal(err)
	}
	Out.Printf("bid sent\n")

	// the publish has no synchronous ack. give a rejection a moment to arrive
	select {
	case message := <-rejected:
		Out.Printf("bid rejected: %s\n", message)
	case <-time.After(2 * time.Second):
	}
}

func logout(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	if err := api.LogoutSync(); err != nil {
		Err.Printf("logout error = %s", err)
	}
	Out.Printf("logged out\n")
}
