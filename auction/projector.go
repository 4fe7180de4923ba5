package auction

import (
	"sync"

	"github.com/golang/glog"
)

// broadcast auction state delta. pointer fields patch only when present,
// absent fields leave the cached value untouched.
// Seq is the broadcast sequence number, zero when the server does not send one
type AuctionStatus struct {
	CurrentHighestBid *int64  `json:"currentHighestBid,omitempty"`
	HighestBidderName *string `json:"highestBidderName,omitempty"`
	BidderCount       *int    `json:"bidderCount,omitempty"`
	Seq               uint64  `json:"seq,omitempty"`
}

type UpdateFunction func(productId int64)

type projectorEntry struct {
	detail  ProductDetail
	lastSeq uint64
}

// read-through cache of fetched products, patched in place by inbound pushes.
// patches for one product apply in delivery order. a patch carrying a sequence
// number lower than the last applied one is stale and is dropped, so a
// reordered delivery cannot regress displayed state
type AuctionProjector struct {
	stateLock sync.Mutex
	entries   map[int64]*projectorEntry

	updateCallbacks *CallbackList[UpdateFunction]
}

func NewAuctionProjector() *AuctionProjector {
	return &AuctionProjector{
		entries:         map[int64]*projectorEntry{},
		updateCallbacks: NewCallbackList[UpdateFunction](),
	}
}

// established on successful fetch. static fields are set here once,
// only the live fields mutate afterward
func (self *AuctionProjector) Put(detail *ProductDetail) {
	self.stateLock.Lock()
	self.entries[detail.ProductId] = &projectorEntry{
		detail: *detail,
	}
	self.stateLock.Unlock()

	self.notifyUpdate(detail.ProductId)
}

func (self *AuctionProjector) Get(productId int64) (*ProductDetail, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	entry := self.entries[productId]
	if entry == nil {
		return nil, false
	}
	detail := entry.detail
	return &detail, true
}

// returns false when the patch did not apply: no cached entity yet
// (the next fetch establishes already-current state), or a stale sequence
func (self *AuctionProjector) Patch(productId int64, status *AuctionStatus) bool {
	self.stateLock.Lock()
	entry := self.entries[productId]
	if entry == nil {
		self.stateLock.Unlock()
		glog.V(2).Infof("[proj]patch before fetch %d\n", productId)
		return false
	}
	if status.Seq != 0 && status.Seq <= entry.lastSeq {
		self.stateLock.Unlock()
		glog.V(2).Infof("[proj]stale patch %d seq=%d last=%d\n", productId, status.Seq, entry.lastSeq)
		return false
	}

	if status.CurrentHighestBid != nil {
		entry.detail.CurrentPrice = *status.CurrentHighestBid
	}
	if status.HighestBidderName != nil {
		entry.detail.HighestBidderName = *status.HighestBidderName
	}
	if status.BidderCount != nil {
		entry.detail.BidderCount = *status.BidderCount
	}
	if status.Seq != 0 {
		entry.lastSeq = status.Seq
	}
	self.stateLock.Unlock()

	self.notifyUpdate(productId)
	return true
}

// discarded when the consuming view unmounts
func (self *AuctionProjector) Evict(productId int64) {
	self.stateLock.Lock()
	delete(self.entries, productId)
	self.stateLock.Unlock()
}

func (self *AuctionProjector) AddUpdateCallback(update UpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(update)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *AuctionProjector) notifyUpdate(productId int64) {
	for _, update := range self.updateCallbacks.Get() {
		HandleError(func() {
			update(productId)
		})
	}
}
