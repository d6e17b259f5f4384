// Package openrtb ingests OpenRTB 2.x bid responses from upstream exchanges
// and converts their bids into scoring candidates.
package openrtb

import (
	"fmt"
	"log"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/cloudx-io/sealedauction/auctionapi"
)

// IngestBidResponse converts every bid of an OpenRTB bid response into a
// protected-audience candidate. Bids without a render URL are logged and
// skipped; an empty result is a valid outcome.
func IngestBidResponse(resp *openrtb2.BidResponse) []auctionapi.AdWithBidMetadata {
	if resp == nil {
		return nil
	}

	var ads []auctionapi.AdWithBidMetadata
	for _, seat := range resp.SeatBid {
		for i := range seat.Bid {
			ad, err := convertBid(&seat.Bid[i], seat.Seat, resp.Cur)
			if err != nil {
				log.Printf("INFO: Skipping OpenRTB bid from seat %s: %v", seat.Seat, err)
				continue
			}
			ads = append(ads, ad)
		}
	}
	return ads
}

// convertBid maps one OpenRTB bid. The render URL comes from the bid's nurl;
// the seat identifies the buyer and the creative id names the group.
func convertBid(bid *openrtb2.Bid, seat, currency string) (auctionapi.AdWithBidMetadata, error) {
	if bid.NURL == "" {
		return auctionapi.AdWithBidMetadata{}, fmt.Errorf("bid %s has no nurl", bid.ID)
	}
	if bid.Price <= 0 {
		return auctionapi.AdWithBidMetadata{}, fmt.Errorf("bid %s has non-positive price %v", bid.ID, bid.Price)
	}

	owner := seat
	if owner == "" && len(bid.ADomain) > 0 {
		owner = bid.ADomain[0]
	}
	if owner == "" {
		return auctionapi.AdWithBidMetadata{}, fmt.Errorf("bid %s has no seat or adomain", bid.ID)
	}

	name := bid.CrID
	if name == "" {
		name = bid.AdID
	}
	if name == "" {
		name = bid.ID
	}

	return auctionapi.AdWithBidMetadata{
		RenderURL:          bid.NURL,
		InterestGroupName:  name,
		InterestGroupOwner: owner,
		Bid:                bid.Price,
		BidCurrency:        currency,
		AdMetadata:         bid.Ext,
	}, nil
}
