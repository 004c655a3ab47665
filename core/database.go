package core

import "errors"

var (
	// ErrNotFound is returned by KeyValueStore.Get when nothing is stored under a path.
	ErrNotFound = errors.New("not found")
)

// KeyValueStore is a flat, path addressed byte blob store. Writes are durable once the call returns.
type KeyValueStore interface {
	Get(path string) ([]byte, error)
	Set(path string, data []byte) error
	Delete(path string) error
	Close() error
}

type AddressIndex interface {
	SaveAddress(address *AddressRecord) error
	// FetchAddressByScriptPubkey returns nil without an error when the address is unknown
	FetchAddressByScriptPubkey(scriptPubkey string) (*AddressRecord, error)
	FetchAddresses() ([]*AddressRecord, error)
}

type TransactionIndex interface {
	// SaveTransaction is an upsert keyed by txid which also keeps the block height index in sync
	SaveTransaction(tx *Transaction) error
	FetchTransaction(txID string) (*Transaction, error)
	FetchTransactions(filter TxFilter) ([]*Transaction, error)

	InsertTxIDByBlockHeight(height uint64, txID string) error
	RemoveTxIDByBlockHeight(height uint64, txID string) error
	FetchTxIDsByBlockHeight(heights HeightRange) ([]string, error)
}

type UtxoIndex interface {
	SaveUtxo(utxo *Utxo) error
	RemoveUtxo(id string) error
	FetchUtxo(id string) (*Utxo, error)
	FetchUtxosByScriptPubkey(scriptPubkey string) ([]*Utxo, error)
}

type Index interface {
	AddressIndex
	TransactionIndex
	UtxoIndex

	// CommitTransaction saves tx, adds created and removes spent utxos in one atomic write
	CommitTransaction(tx *Transaction, created []*Utxo, spent []string) error
	// ReplaceUtxos makes utxos the complete unspent set of scriptPubkey
	ReplaceUtxos(scriptPubkey string, utxos []*Utxo) error
	ClearAll() error
	Close() error
}
