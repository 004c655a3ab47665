package boltdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/igorcrevar/utxo-go-syncer/core"

	bolt "go.etcd.io/bbolt"
)

type BoltIndex struct {
	db *bolt.DB
}

var (
	addressesBucket       = []byte("Addresses")
	transactionsBucket    = []byte("Transactions")
	txIDsByHeightBucket   = []byte("TxIDsByHeight")
	heightByTxIDBucket    = []byte("HeightByTxID")
	utxosBucket           = []byte("Utxos")
	utxoIDsByScriptBucket = []byte("UtxoIDsByScript")

	allBuckets = [][]byte{
		addressesBucket, transactionsBucket, txIDsByHeightBucket,
		heightByTxIDBucket, utxosBucket, utxoIDsByScriptBucket,
	}

	scriptKeySeparator = []byte("/")
)

var _ core.Index = (*BoltIndex)(nil)

func (bi *BoltIndex) Init(filePath string) error {
	db, err := bolt.Open(filePath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("could not open db: %w", err)
	}

	bi.db = db

	return db.Update(func(tx *bolt.Tx) error {
		for _, bn := range allBuckets {
			_, err := tx.CreateBucketIfNotExists(bn)
			if err != nil {
				return fmt.Errorf("could not bucket: %s, err: %w", string(bn), err)
			}
		}

		return nil
	})
}

func (bi *BoltIndex) Close() error {
	return bi.db.Close()
}

func (bi *BoltIndex) SaveAddress(address *core.AddressRecord) error {
	if address == nil || address.ScriptPubkey == "" {
		return fmt.Errorf("address without script pubkey")
	}

	return bi.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(addressesBucket), []byte(address.ScriptPubkey), address)
	})
}

func (bi *BoltIndex) FetchAddressByScriptPubkey(scriptPubkey string) (*core.AddressRecord, error) {
	var result *core.AddressRecord

	if err := bi.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(addressesBucket), []byte(scriptPubkey), &result)
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (bi *BoltIndex) FetchAddresses() ([]*core.AddressRecord, error) {
	var result []*core.AddressRecord

	if err := bi.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(addressesBucket).ForEach(func(k, v []byte) error {
			var address *core.AddressRecord

			if err := json.Unmarshal(v, &address); err != nil {
				return err
			}

			result = append(result, address)

			return nil
		})
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (bi *BoltIndex) SaveTransaction(transaction *core.Transaction) error {
	return bi.db.Update(func(tx *bolt.Tx) error {
		return saveTransaction(tx, transaction)
	})
}

func (bi *BoltIndex) FetchTransaction(txID string) (*core.Transaction, error) {
	var result *core.Transaction

	if err := bi.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(transactionsBucket), []byte(txID), &result)
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (bi *BoltIndex) FetchTransactions(filter core.TxFilter) ([]*core.Transaction, error) {
	var result []*core.Transaction

	limitReached := func() bool {
		return filter.Limit > 0 && len(result) >= filter.Limit
	}

	if err := bi.db.View(func(tx *bolt.Tx) error {
		txsBucket := tx.Bucket(transactionsBucket)

		if filter.Heights == nil {
			c := txsBucket.Cursor()
			for k, v := c.First(); k != nil && !limitReached(); k, v = c.Next() {
				var transaction *core.Transaction

				if err := json.Unmarshal(v, &transaction); err != nil {
					return err
				}

				result = append(result, transaction)
			}

			return nil
		}

		for _, txID := range txIDsByHeight(tx, *filter.Heights) {
			if limitReached() {
				break
			}

			var transaction *core.Transaction

			if err := getJSON(txsBucket, []byte(txID), &transaction); err != nil {
				return err
			} else if transaction != nil {
				result = append(result, transaction)
			}
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (bi *BoltIndex) InsertTxIDByBlockHeight(height uint64, txID string) error {
	return bi.db.Update(func(tx *bolt.Tx) error {
		return insertTxIDByHeight(tx, height, txID)
	})
}

func (bi *BoltIndex) RemoveTxIDByBlockHeight(height uint64, txID string) error {
	return bi.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(txIDsByHeightBucket).Delete(heightKey(height, txID)); err != nil {
			return err
		}

		reverse := tx.Bucket(heightByTxIDBucket)
		if data := reverse.Get([]byte(txID)); len(data) > 0 && core.DecodeUint64FromBytes(data) == height {
			return reverse.Delete([]byte(txID))
		}

		return nil
	})
}

func (bi *BoltIndex) FetchTxIDsByBlockHeight(heights core.HeightRange) ([]string, error) {
	var result []string

	if err := bi.db.View(func(tx *bolt.Tx) error {
		result = txIDsByHeight(tx, heights)

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (bi *BoltIndex) SaveUtxo(utxo *core.Utxo) error {
	return bi.db.Update(func(tx *bolt.Tx) error {
		return saveUtxo(tx, utxo)
	})
}

func (bi *BoltIndex) RemoveUtxo(id string) error {
	return bi.db.Update(func(tx *bolt.Tx) error {
		return removeUtxo(tx, id)
	})
}

func (bi *BoltIndex) FetchUtxo(id string) (*core.Utxo, error) {
	var result *core.Utxo

	if err := bi.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(utxosBucket), []byte(id), &result)
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (bi *BoltIndex) FetchUtxosByScriptPubkey(scriptPubkey string) ([]*core.Utxo, error) {
	var result []*core.Utxo

	if err := bi.db.View(func(tx *bolt.Tx) error {
		utxos := tx.Bucket(utxosBucket)

		for _, id := range utxoIDsByScript(tx, scriptPubkey) {
			var utxo *core.Utxo

			if err := getJSON(utxos, []byte(id), &utxo); err != nil {
				return err
			} else if utxo != nil {
				result = append(result, utxo)
			}
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (bi *BoltIndex) CommitTransaction(transaction *core.Transaction, created []*core.Utxo, spent []string) error {
	return bi.db.Update(func(tx *bolt.Tx) error {
		if err := saveTransaction(tx, transaction); err != nil {
			return err
		}

		for _, id := range spent {
			if err := removeUtxo(tx, id); err != nil {
				return err
			}
		}

		for _, utxo := range created {
			if err := saveUtxo(tx, utxo); err != nil {
				return err
			}
		}

		return nil
	})
}

func (bi *BoltIndex) ReplaceUtxos(scriptPubkey string, utxos []*core.Utxo) error {
	return bi.db.Update(func(tx *bolt.Tx) error {
		keep := make(map[string]bool, len(utxos))
		for _, utxo := range utxos {
			keep[utxoKey(utxo)] = true
		}

		for _, id := range utxoIDsByScript(tx, scriptPubkey) {
			if !keep[id] {
				if err := removeUtxo(tx, id); err != nil {
					return err
				}
			}
		}

		for _, utxo := range utxos {
			if err := saveUtxo(tx, utxo); err != nil {
				return err
			}
		}

		return nil
	})
}

func (bi *BoltIndex) ClearAll() error {
	return bi.db.Update(func(tx *bolt.Tx) error {
		for _, bn := range allBuckets {
			if err := tx.DeleteBucket(bn); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("could not delete bucket: %s, err: %w", string(bn), err)
			}

			if _, err := tx.CreateBucket(bn); err != nil {
				return fmt.Errorf("could not bucket: %s, err: %w", string(bn), err)
			}
		}

		return nil
	})
}

func saveTransaction(tx *bolt.Tx, transaction *core.Transaction) error {
	if transaction == nil || transaction.TxID == "" {
		return fmt.Errorf("transaction without txid")
	}

	if err := putJSON(tx.Bucket(transactionsBucket), []byte(transaction.TxID), transaction); err != nil {
		return err
	}

	return insertTxIDByHeight(tx, transaction.BlockHeight, transaction.TxID)
}

// insertTxIDByHeight keeps one height per txid: a previous entry under another height is removed first
func insertTxIDByHeight(tx *bolt.Tx, height uint64, txID string) error {
	byHeight := tx.Bucket(txIDsByHeightBucket)
	reverse := tx.Bucket(heightByTxIDBucket)

	if data := reverse.Get([]byte(txID)); len(data) > 0 {
		previous := core.DecodeUint64FromBytes(data)
		if previous == height {
			return byHeight.Put(heightKey(height, txID), []byte{})
		}

		if err := byHeight.Delete(heightKey(previous, txID)); err != nil {
			return err
		}
	}

	if err := byHeight.Put(heightKey(height, txID), []byte{}); err != nil {
		return err
	}

	return reverse.Put([]byte(txID), core.EncodeUint64ToBytes(height))
}

func txIDsByHeight(tx *bolt.Tx, heights core.HeightRange) (result []string) {
	c := tx.Bucket(txIDsByHeightBucket).Cursor()

	for k, _ := c.Seek(core.EncodeUint64ToBytes(heights.Min)); k != nil; k, _ = c.Next() {
		if core.DecodeUint64FromBytes(k) > heights.Max {
			break
		}

		result = append(result, string(k[8:]))
	}

	return result
}

func saveUtxo(tx *bolt.Tx, utxo *core.Utxo) error {
	if utxo == nil || utxo.ScriptPubkey == "" {
		return fmt.Errorf("utxo without script pubkey")
	}

	id := utxoKey(utxo)
	utxo.ID = id

	utxos := tx.Bucket(utxosBucket)
	byScript := tx.Bucket(utxoIDsByScriptBucket)

	// last write wins, an owner change must not leave the old script pointing at this id
	var existing *core.Utxo
	if err := getJSON(utxos, []byte(id), &existing); err != nil {
		return err
	} else if existing != nil && existing.ScriptPubkey != utxo.ScriptPubkey {
		if err := byScript.Delete(scriptKey(existing.ScriptPubkey, id)); err != nil {
			return err
		}
	}

	if err := putJSON(utxos, []byte(id), utxo); err != nil {
		return err
	}

	return byScript.Put(scriptKey(utxo.ScriptPubkey, id), []byte{})
}

func removeUtxo(tx *bolt.Tx, id string) error {
	utxos := tx.Bucket(utxosBucket)

	var existing *core.Utxo
	if err := getJSON(utxos, []byte(id), &existing); err != nil {
		return err
	} else if existing == nil {
		return nil
	}

	if err := tx.Bucket(utxoIDsByScriptBucket).Delete(scriptKey(existing.ScriptPubkey, id)); err != nil {
		return err
	}

	return utxos.Delete([]byte(id))
}

func utxoIDsByScript(tx *bolt.Tx, scriptPubkey string) (result []string) {
	prefix := scriptKey(scriptPubkey, "")
	c := tx.Bucket(utxoIDsByScriptBucket).Cursor()

	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		result = append(result, string(k[len(prefix):]))
	}

	return result
}

func utxoKey(utxo *core.Utxo) string {
	if utxo.ID != "" {
		return utxo.ID
	}

	return core.UtxoID(utxo.TxID, utxo.Vout)
}

func heightKey(height uint64, txID string) []byte {
	return append(core.EncodeUint64ToBytes(height), []byte(txID)...)
}

func scriptKey(scriptPubkey string, id string) []byte {
	key := make([]byte, 0, len(scriptPubkey)+len(scriptKeySeparator)+len(id))
	key = append(key, scriptPubkey...)
	key = append(key, scriptKeySeparator...)

	return append(key, id...)
}

func putJSON(bucket *bolt.Bucket, key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return bucket.Put(key, data)
}

func getJSON(bucket *bolt.Bucket, key []byte, result interface{}) error {
	if data := bucket.Get(key); len(data) > 0 {
		return json.Unmarshal(data, result)
	}

	return nil
}
