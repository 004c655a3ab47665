package core

import (
	evbus "github.com/asaskevich/EventBus"
)

type EngineEvent string

// Handler signatures expected for each event:
//
//	EventAddressBalanceChanged func(currencyCode string, delta string)
//	EventWalletBalanceChanged  func(currencyCode string, balance string)
//	EventBlockHeightChanged    func(height uint64)
//	EventAddressesChecked      func(progressRatio float64)
//	EventTransactionsChanged   func(txs []*Transaction)
//	EventTxIDsChanged          func(txIDs map[string]uint64)
const (
	EventAddressBalanceChanged EngineEvent = "address_balance_changed"
	EventWalletBalanceChanged  EngineEvent = "wallet_balance_changed"
	EventBlockHeightChanged    EngineEvent = "block_height_changed"
	EventAddressesChecked      EngineEvent = "addresses_checked"
	EventTransactionsChanged   EngineEvent = "transactions_changed"
	EventTxIDsChanged          EngineEvent = "txids_changed"
)

// Emitter is the notification bus between the sync core and the wallet layer.
type Emitter interface {
	Subscribe(event EngineEvent, handler interface{}) error
	SubscribeAsync(event EngineEvent, handler interface{}) error
	Unsubscribe(event EngineEvent, handler interface{}) error
	Publish(event EngineEvent, args ...interface{})
	WaitAsync()
}

type EventBusEmitter struct {
	bus evbus.Bus
}

var _ Emitter = (*EventBusEmitter)(nil)

func NewEmitter() *EventBusEmitter {
	return &EventBusEmitter{
		bus: evbus.New(),
	}
}

// Subscribe registers a synchronous handler. A handler must not publish or subscribe on the same
// emitter, the bus lock is held while synchronous handlers run.
func (e *EventBusEmitter) Subscribe(event EngineEvent, handler interface{}) error {
	return e.bus.Subscribe(string(event), handler)
}

// SubscribeAsync registers a handler running on its own goroutine, invocations are serialized.
func (e *EventBusEmitter) SubscribeAsync(event EngineEvent, handler interface{}) error {
	return e.bus.SubscribeAsync(string(event), handler, true)
}

func (e *EventBusEmitter) Unsubscribe(event EngineEvent, handler interface{}) error {
	return e.bus.Unsubscribe(string(event), handler)
}

func (e *EventBusEmitter) Publish(event EngineEvent, args ...interface{}) {
	e.bus.Publish(string(event), args...)
}

func (e *EventBusEmitter) WaitAsync() {
	e.bus.WaitAsync()
}
