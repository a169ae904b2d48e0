package notify

const (
	TopicBidOutbid          = "settlement.bid.outbid"
	TopicAuctionWon         = "settlement.auction.won"
	TopicAuctionLost        = "settlement.auction.lost"
	TopicOrderStatusChanged = "settlement.order.status_changed"
)

var topicByType = map[Type]string{
	TypeBidOutbid:          TopicBidOutbid,
	TypeAuctionWon:         TopicAuctionWon,
	TypeAuctionLost:        TopicAuctionLost,
	TypeOrderStatusChanged: TopicOrderStatusChanged,
}

// Topics lists every topic the dispatcher writes to.
func Topics() []string {
	return []string{TopicBidOutbid, TopicAuctionWon, TopicAuctionLost, TopicOrderStatusChanged}
}

func TopicFor(t Type) (string, bool) {
	topic, ok := topicByType[t]
	return topic, ok
}
