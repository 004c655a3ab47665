package blockbook

import (
	"encoding/json"
	"fmt"

	"github.com/igorcrevar/utxo-go-syncer/core"
)

const (
	methodPing               = "ping"
	methodGetInfo            = "getInfo"
	methodGetAccountInfo     = "getAccountInfo"
	methodGetAccountUtxo     = "getAccountUtxo"
	methodGetTransaction     = "getTransaction"
	methodSendTransaction    = "sendTransaction"
	methodSubscribeAddresses = "subscribeAddresses"
	methodSubscribeNewBlock  = "subscribeNewBlock"

	// subscriptions use fixed ids, pushes for a topic come back under the same id
	WatchAddressTxEventID = "WATCH_ADDRESS_TX_EVENT_ID"
	WatchNewBlockEventID  = "WATCH_NEW_BLOCK_EVENT_ID"
)

type message struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type response struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
	Error json.RawMessage `json:"error"`
}

// RemoteError is an error payload returned by the indexing service for one request.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

// remoteError extracts an error from either {error: ...} or {data: {error: ...}}.
func (r *response) remoteError(method string) error {
	raw := r.Error
	if len(raw) == 0 || string(raw) == "null" {
		var wrapped struct {
			Error json.RawMessage `json:"error"`
		}

		if len(r.Data) == 0 || r.Data[0] != '{' || json.Unmarshal(r.Data, &wrapped) != nil {
			return nil
		}

		raw = wrapped.Error
		if len(raw) == 0 || string(raw) == "null" {
			return nil
		}
	}

	var payload struct {
		Message string `json:"message"`
	}

	if err := json.Unmarshal(raw, &payload); err != nil || payload.Message == "" {
		var text string
		if json.Unmarshal(raw, &text) == nil && text != "" {
			return &RemoteError{Method: method, Message: text}
		}

		return &RemoteError{Method: method, Message: string(raw)}
	}

	return &RemoteError{Method: method, Message: payload.Message}
}

type emptyParams struct{}

type accountInfoParams struct {
	Descriptor string `json:"descriptor"`
	Details    string `json:"details,omitempty"`
	Page       int    `json:"page,omitempty"`
	PageSize   int    `json:"pageSize,omitempty"`
	From       uint64 `json:"from,omitempty"`
	To         uint64 `json:"to,omitempty"`
}

type descriptorParams struct {
	Descriptor string `json:"descriptor"`
}

type txIDParams struct {
	TxID string `json:"txid"`
}

type hexParams struct {
	Hex string `json:"hex"`
}

type addressesParams struct {
	Addresses []string `json:"addresses"`
}

func pingMessage() message {
	return message{Method: methodPing, Params: emptyParams{}}
}

func infoMessage() message {
	return message{Method: methodGetInfo, Params: emptyParams{}}
}

func addressMessage(address string, opts core.AccountOpts) message {
	details := opts.Details
	if details == "" {
		details = core.AddressDetailsBasic
	}

	return message{
		Method: methodGetAccountInfo,
		Params: accountInfoParams{
			Descriptor: address,
			Details:    string(details),
			Page:       opts.Page,
			PageSize:   opts.PerPage,
			From:       opts.From,
			To:         opts.To,
		},
	}
}

func addressUtxosMessage(address string) message {
	return message{Method: methodGetAccountUtxo, Params: descriptorParams{Descriptor: address}}
}

func transactionMessage(txID string) message {
	return message{Method: methodGetTransaction, Params: txIDParams{TxID: txID}}
}

func broadcastTxMessage(rawTxHex string) message {
	return message{Method: methodSendTransaction, Params: hexParams{Hex: rawTxHex}}
}

func subscribeAddressesMessage(addresses []string) message {
	return message{
		ID:     WatchAddressTxEventID,
		Method: methodSubscribeAddresses,
		Params: addressesParams{Addresses: addresses},
	}
}

func subscribeNewBlockMessage() message {
	return message{
		ID:     WatchNewBlockEventID,
		Method: methodSubscribeNewBlock,
		Params: emptyParams{},
	}
}

// isSubscriptionAck reports whether data is the {"subscribed": true|false} acknowledgement.
func isSubscriptionAck(data json.RawMessage) bool {
	var ack struct {
		Subscribed *bool `json:"subscribed"`
	}

	return json.Unmarshal(data, &ack) == nil && ack.Subscribed != nil
}
