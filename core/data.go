package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type CurrencyFormat string

const (
	FormatBIP32 CurrencyFormat = "bip32"
	FormatBIP44 CurrencyFormat = "bip44"
	FormatBIP49 CurrencyFormat = "bip49"
	FormatBIP84 CurrencyFormat = "bip84"
)

// Purpose returns the hardened purpose level used when deriving keys for the format.
func (f CurrencyFormat) Purpose() uint32 {
	switch f {
	case FormatBIP44:
		return 44
	case FormatBIP49:
		return 49
	case FormatBIP84:
		return 84
	default:
		return 0
	}
}

type ScriptType string

const (
	ScriptTypeP2PKH      ScriptType = "p2pkh"
	ScriptTypeP2WPKHP2SH ScriptType = "p2wpkh-p2sh"
	ScriptTypeP2WPKH     ScriptType = "p2wpkh"
)

func ScriptTypeForFormat(format CurrencyFormat) ScriptType {
	switch format {
	case FormatBIP49:
		return ScriptTypeP2WPKHP2SH
	case FormatBIP84:
		return ScriptTypeP2WPKH
	default:
		return ScriptTypeP2PKH
	}
}

type AddressPath struct {
	Format       CurrencyFormat `json:"format"`
	ChangeIndex  uint32         `json:"changeIndex"`
	AddressIndex uint32         `json:"addressIndex"`
}

type AddressRecord struct {
	ScriptPubkey    string       `json:"scriptPubkey"`
	Path            *AddressPath `json:"path,omitempty"`
	Balance         string       `json:"balance"`
	Used            bool         `json:"used"`
	LastQuery       uint64       `json:"lastQuery"`
	LastTouched     uint64       `json:"lastTouched"`
	NetworkQueryVal uint64       `json:"networkQueryVal"`
}

type Transaction struct {
	TxID        string      `json:"txid"`
	Hex         string      `json:"hex"`
	BlockHeight uint64      `json:"blockHeight"`
	Date        int64       `json:"date"`
	Fees        string      `json:"fees"`
	Inputs      []*TxInput  `json:"inputs"`
	Outputs     []*TxOutput `json:"outputs"`
	OurIns      []string    `json:"ourIns"`
	OurOuts     []string    `json:"ourOuts"`
	OurAmount   string      `json:"ourAmount"`
}

type TxInput struct {
	TxID         string `json:"txId"`
	OutputIndex  uint32 `json:"outputIndex"`
	ScriptPubkey string `json:"scriptPubkey"`
	Amount       string `json:"amount"`
}

type TxOutput struct {
	Index        uint32 `json:"index"`
	ScriptPubkey string `json:"scriptPubkey"`
	Amount       string `json:"amount"`
}

type Utxo struct {
	ID           string     `json:"id"`
	TxID         string     `json:"txid"`
	Vout         uint32     `json:"vout"`
	ScriptPubkey string     `json:"scriptPubkey"`
	Value        string     `json:"value"`
	Script       string     `json:"script"`
	RedeemScript string     `json:"redeemScript,omitempty"`
	ScriptType   ScriptType `json:"scriptType"`
	BlockHeight  uint64     `json:"blockHeight"`
}

// HeightRange is an inclusive block height range. Max equal to math.MaxUint64 means unbounded.
type HeightRange struct {
	Min uint64
	Max uint64
}

func HeightsFrom(min uint64) HeightRange {
	return HeightRange{Min: min, Max: math.MaxUint64}
}

func HeightsBetween(min, max uint64) HeightRange {
	return HeightRange{Min: min, Max: max}
}

func (hr HeightRange) Contains(height uint64) bool {
	return height >= hr.Min && height <= hr.Max
}

type TxFilter struct {
	// nil means every stored transaction
	Heights *HeightRange
	Limit   int
}

func UtxoID(txID string, vout uint32) string {
	return txID + ":" + strconv.FormatUint(uint64(vout), 10)
}

func (ti TxInput) Key() string {
	return UtxoID(ti.TxID, ti.OutputIndex)
}

func (tx Transaction) String() string {
	var (
		sbInp strings.Builder
		sbOut strings.Builder
	)

	for _, x := range tx.Inputs {
		if sbInp.Len() > 0 {
			sbInp.WriteString(", ")
		}

		sbInp.WriteString("[")
		sbInp.WriteString(x.TxID)
		sbInp.WriteString(", ")
		sbInp.WriteString(strconv.FormatUint(uint64(x.OutputIndex), 10))
		sbInp.WriteString(", ")
		sbInp.WriteString(x.Amount)
		sbInp.WriteString("]")
	}

	for _, x := range tx.Outputs {
		if sbOut.Len() > 0 {
			sbOut.WriteString(", ")
		}

		sbOut.WriteString("[")
		sbOut.WriteString(strconv.FormatUint(uint64(x.Index), 10))
		sbOut.WriteString(", ")
		sbOut.WriteString(x.ScriptPubkey)
		sbOut.WriteString(", ")
		sbOut.WriteString(x.Amount)
		sbOut.WriteString("]")
	}

	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("tx hash = %s, height = %d, fee = %s, our amount = %s\n",
		tx.TxID, tx.BlockHeight, tx.Fees, tx.OurAmount))
	sb.WriteString(fmt.Sprintf("   inputs = %s\n", sbInp.String()))
	sb.WriteString(fmt.Sprintf("  outputs = %s\n", sbOut.String()))

	return sb.String()
}

func EncodeUint64ToBytes(value uint64) []byte {
	result := make([]byte, 8)
	binary.BigEndian.PutUint64(result, value)

	return result
}

func DecodeUint64FromBytes(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}

	return binary.BigEndian.Uint64(data[:8])
}
