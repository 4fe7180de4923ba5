package auction

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
)

const AuctionTopicPrefix = "/topic/auctions/"
const BidDestination = "/app/auctions/bid"
const ErrorQueue = "/user/queue/errors"

func AuctionTopic(productId int64) string {
	return fmt.Sprintf("%s%d", AuctionTopicPrefix, productId)
}

type BidArgs struct {
	ProductId int64 `json:"productId"`
	BidAmount int64 `json:"bidAmount"`
}

// there is no synchronous acknowledgement. success is observed as a state
// push on the auction topic, failure as a message on the per-session
// error queue
func PlaceBid(channel *Channel, productId int64, bidAmount int64) error {
	return channel.Publish(BidDestination, &BidArgs{
		ProductId: productId,
		BidAmount: bidAmount,
	})
}

// routes pushes for one product's auction topic into the projector
func BindAuctionTopic(channel *Channel, projector *AuctionProjector, productId int64) Id {
	return channel.Subscribe(AuctionTopic(productId), func(message *ChannelMessage) {
		var status AuctionStatus
		if err := json.Unmarshal(message.Body, &status); err != nil {
			glog.Infof("[bid]malformed auction status on %s = %s\n", message.Topic, err)
			return
		}
		projector.Patch(productId, &status)
	})
}

type DomainRejectionFunction func(message string)

// bid rejections arrive out of band on the per-session error queue,
// never on the request path that issued the command
func BindErrorQueue(channel *Channel, rejection DomainRejectionFunction) Id {
	return channel.Subscribe(ErrorQueue, func(message *ChannelMessage) {
		rejection(string(message.Body))
	})
}
