// Package stream implements the exchange's subscription websocket: transport,
// subscription management and typed decoding of push messages.
package stream

import (
	"github.com/goccy/go-json"

	"github.com/uhyunpark/perplink/pkg/crypto"
)

// StreamType names a feed on the subscription endpoint.
type StreamType string

const (
	BestBidOffer   StreamType = "best_bid_offer"
	BookDepth      StreamType = "book_depth"
	Fill           StreamType = "fill"
	PositionChange StreamType = "position_change"
	OrderUpdate    StreamType = "order_update"
)

// Private reports whether the stream carries account data and therefore
// requires a signed credential.
func (t StreamType) Private() bool {
	switch t {
	case Fill, PositionChange, OrderUpdate:
		return true
	default:
		return false
	}
}

// Stream identifies one subscription on the wire.
type Stream struct {
	Type       StreamType `json:"type"`
	ProductID  uint32     `json:"product_id"`
	Subaccount string     `json:"subaccount,omitempty"`
}

type routeKey struct {
	typ     StreamType
	product uint32
}

func (s Stream) key() routeKey { return routeKey{typ: s.Type, product: s.ProductID} }

const (
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

// credentialTx is the signed body carried by private subscribe requests.
type credentialTx struct {
	Sender     string `json:"sender"`
	Expiration string `json:"expiration"`
}

type request struct {
	Method    string        `json:"method"`
	Stream    Stream        `json:"stream"`
	ID        uint64        `json:"id"`
	Tx        *credentialTx `json:"tx,omitempty"`
	Signature string        `json:"signature,omitempty"`
}

func newRequest(method string, s Stream, id uint64, cred *crypto.Credential) request {
	req := request{Method: method, Stream: s, ID: id}
	if cred != nil {
		req.Tx = &credentialTx{Sender: cred.Sender, Expiration: cred.Expiration}
		req.Signature = cred.Signature
	}
	return req
}

// ack is the server's response to a subscribe/unsubscribe request.
type ack struct {
	ID        uint64
	Result    json.RawMessage
	Error     string
	ErrorCode int
}

// envelope holds the fields needed to classify an inbound frame.
type envelope struct {
	Type      string          `json:"type"`
	ID        *uint64         `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	ErrorCode int             `json:"error_code"`
}

func (e envelope) isAck() bool { return e.Type == "" && e.ID != nil }
