package auction

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func int64Ptr(v int64) *int64 {
	return &v
}

func intPtr(v int) *int {
	return &v
}

func stringPtr(v string) *string {
	return &v
}

func TestPatchFieldScoping(t *testing.T) {
	projector := NewAuctionProjector()
	projector.Put(&ProductDetail{
		ProductId:         42,
		Title:             "vintage camera",
		StartingPrice:     1000,
		CurrentPrice:      1000,
		HighestBidderName: "bob",
		BidderCount:       2,
	})

	applied := projector.Patch(42, &AuctionStatus{
		CurrentHighestBid: int64Ptr(500),
	})
	assert.Equal(t, applied, true)

	detail, ok := projector.Get(42)
	assert.Equal(t, ok, true)
	assert.Equal(t, detail.CurrentPrice, int64(500))
	// absent fields stay untouched
	assert.Equal(t, detail.HighestBidderName, "bob")
	assert.Equal(t, detail.BidderCount, 2)
	// static fields never move
	assert.Equal(t, detail.Title, "vintage camera")
}

func TestFetchThenPush(t *testing.T) {
	projector := NewAuctionProjector()
	projector.Put(&ProductDetail{
		ProductId:     42,
		Title:         "vintage camera",
		StartingPrice: 1000,
		CurrentPrice:  1000,
	})

	detail, ok := projector.Get(42)
	assert.Equal(t, ok, true)
	assert.Equal(t, detail.CurrentPrice, int64(1000))

	projector.Patch(42, &AuctionStatus{
		CurrentHighestBid: int64Ptr(1500),
		HighestBidderName: stringPtr("alice"),
		BidderCount:       intPtr(3),
	})

	detail, ok = projector.Get(42)
	assert.Equal(t, ok, true)
	assert.Equal(t, detail.CurrentPrice, int64(1500))
	assert.Equal(t, detail.HighestBidderName, "alice")
	assert.Equal(t, detail.BidderCount, 3)
}

func TestPatchBeforeFetch(t *testing.T) {
	projector := NewAuctionProjector()

	applied := projector.Patch(42, &AuctionStatus{
		CurrentHighestBid: int64Ptr(1500),
	})
	assert.Equal(t, applied, false)

	_, ok := projector.Get(42)
	assert.Equal(t, ok, false)
}

func TestStalePatchDropped(t *testing.T) {
	projector := NewAuctionProjector()
	projector.Put(&ProductDetail{
		ProductId: 42,
		Title:     "vintage camera",
	})

	applied := projector.Patch(42, &AuctionStatus{
		CurrentHighestBid: int64Ptr(1500),
		Seq:               7,
	})
	assert.Equal(t, applied, true)

	// reordered delivery, lower sequence
	applied = projector.Patch(42, &AuctionStatus{
		CurrentHighestBid: int64Ptr(1200),
		Seq:               5,
	})
	assert.Equal(t, applied, false)

	detail, _ := projector.Get(42)
	assert.Equal(t, detail.CurrentPrice, int64(1500))

	// unsequenced broadcast is last-message-wins
	applied = projector.Patch(42, &AuctionStatus{
		CurrentHighestBid: int64Ptr(1100),
	})
	assert.Equal(t, applied, true)

	detail, _ = projector.Get(42)
	assert.Equal(t, detail.CurrentPrice, int64(1100))
}

func TestEvict(t *testing.T) {
	projector := NewAuctionProjector()
	projector.Put(&ProductDetail{
		ProductId: 42,
		Title:     "vintage camera",
	})
	projector.Evict(42)

	_, ok := projector.Get(42)
	assert.Equal(t, ok, false)

	// evicting twice is a no-op
	projector.Evict(42)
}

func TestUpdateCallback(t *testing.T) {
	projector := NewAuctionProjector()

	updates := []int64{}
	remove := projector.AddUpdateCallback(func(productId int64) {
		updates = append(updates, productId)
	})

	projector.Put(&ProductDetail{
		ProductId: 42,
		Title:     "vintage camera",
	})
	projector.Patch(42, &AuctionStatus{
		BidderCount: intPtr(1),
	})
	// dropped patches do not notify
	projector.Patch(43, &AuctionStatus{
		BidderCount: intPtr(1),
	})
	assert.Equal(t, updates, []int64{42, 42})

	remove()
	projector.Patch(42, &AuctionStatus{
		BidderCount: intPtr(2),
	})
	assert.Equal(t, updates, []int64{42, 42})
}

func TestGetReturnsCopy(t *testing.T) {
	projector := NewAuctionProjector()
	projector.Put(&ProductDetail{
		ProductId:    42,
		Title:        "vintage camera",
		CurrentPrice: 1000,
	})

	detail, _ := projector.Get(42)
	detail.CurrentPrice = 1

	fresh, _ := projector.Get(42)
	assert.Equal(t, fresh.CurrentPrice, int64(1000))
}
