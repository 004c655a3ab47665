package core

import (
	"context"
	"errors"
)

var (
	// ErrRetryable marks transient network failures: the work should be retried on a later pass.
	ErrRetryable = errors.New("retryable network failure")
)

type AddressDetails string

const (
	AddressDetailsBasic AddressDetails = "basic"
	AddressDetailsTxIDs AddressDetails = "txids"
	AddressDetailsTxs   AddressDetails = "txs"
)

type AccountOpts struct {
	Details AddressDetails
	Page    int
	PerPage int
	From    uint64
	To      uint64
}

type ServerInfo struct {
	Name       string `json:"name"`
	Shortcut   string `json:"shortcut"`
	Decimals   int    `json:"decimals"`
	Version    string `json:"version"`
	BestHeight uint64 `json:"bestHeight"`
	BestHash   string `json:"bestHash"`
	Block0Hash string `json:"block0Hash"`
	Testnet    bool   `json:"testnet"`
}

type AccountDetails struct {
	Address            string `json:"address"`
	Balance            string `json:"balance"`
	TotalReceived      string `json:"totalReceived"`
	TotalSent          string `json:"totalSent"`
	Txs                int    `json:"txs"`
	UnconfirmedBalance string `json:"unconfirmedBalance"`
	UnconfirmedTxs     int    `json:"unconfirmedTxs"`

	// paging, filled for txids and txs details
	Page         int                  `json:"page"`
	TotalPages   int                  `json:"totalPages"`
	ItemsOnPage  int                  `json:"itemsOnPage"`
	TxIDs        []string             `json:"txids,omitempty"`
	Transactions []*LedgerTransaction `json:"transactions,omitempty"`
}

type LedgerTransaction struct {
	TxID          string          `json:"txid"`
	Hex           string          `json:"hex"`
	BlockHeight   int64           `json:"blockHeight"`
	Confirmations int64           `json:"confirmations"`
	BlockTime     int64           `json:"blockTime"`
	Fees          string          `json:"fees"`
	Vin           []LedgerTxInput `json:"vin"`
	Vout          []LedgerTxOut   `json:"vout"`
}

type LedgerTxInput struct {
	TxID      string   `json:"txid"`
	Vout      uint32   `json:"vout"`
	Value     string   `json:"value"`
	Addresses []string `json:"addresses"`
	Hex       string   `json:"hex,omitempty"`
}

type LedgerTxOut struct {
	N         uint32   `json:"n"`
	Value     string   `json:"value"`
	Addresses []string `json:"addresses"`
	Hex       string   `json:"hex,omitempty"`
}

type AccountUtxo struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         string `json:"value"`
	Height        uint64 `json:"height,omitempty"`
	Confirmations int64  `json:"confirmations,omitempty"`
	LockTime      int64  `json:"lockTime,omitempty"`
	Address       string `json:"address,omitempty"`
	Path          string `json:"path,omitempty"`
}

// AddressActivity is the payload of an address activity push.
type AddressActivity struct {
	Address     string             `json:"address"`
	Transaction *LedgerTransaction `json:"tx"`
}

// NewBlock is the payload of a new block push.
type NewBlock struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

type AddressActivityHandler func(activity *AddressActivity)

type NewBlockHandler func(block *NewBlock)

// LedgerClient is one logical connection to the remote indexing service.
type LedgerClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	FetchInfo(ctx context.Context) (*ServerInfo, error)
	FetchAddress(ctx context.Context, address string, opts AccountOpts) (*AccountDetails, error)
	FetchAddressUtxos(ctx context.Context, address string) ([]*AccountUtxo, error)
	FetchTransaction(ctx context.Context, txID string) (*LedgerTransaction, error)
	BroadcastTx(ctx context.Context, rawTxHex string) (string, error)

	WatchAddresses(ctx context.Context, addresses []string, handler AddressActivityHandler) error
	WatchBlocks(ctx context.Context, handler NewBlockHandler) error
}

// WalletTools derives wallet addresses and converts between addresses and locking scripts.
type WalletTools interface {
	GetScriptPubkey(path AddressPath) (string, error)
	ScriptPubkeyToAddress(scriptPubkey string, format CurrencyFormat) (string, error)
	AddressToScriptPubkey(address string) (string, error)
}
