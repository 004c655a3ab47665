package wallettools

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/igorcrevar/utxo-go-syncer/core"
)

var (
	ErrUnknownNetwork    = errors.New("unknown network")
	ErrMissingXPub       = errors.New("no extended public key for format")
	ErrUnsupportedScript = errors.New("unsupported locking script")
)

type Config struct {
	// Network is one of mainnet, testnet3, regtest or signet
	Network string `json:"network"`
	// XPubs holds the account level extended public key for every enabled format
	XPubs map[core.CurrencyFormat]string `json:"xpubs"`
}

func NetParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
}

type branchKey struct {
	format core.CurrencyFormat
	change uint32
}

// BtcWalletTools derives addresses from account extended public keys.
type BtcWalletTools struct {
	params   *chaincfg.Params
	accounts map[core.CurrencyFormat]*hdkeychain.ExtendedKey

	lock     sync.Mutex
	branches map[branchKey]*hdkeychain.ExtendedKey
}

var _ core.WalletTools = (*BtcWalletTools)(nil)

func NewBtcWalletTools(config Config) (*BtcWalletTools, error) {
	params, err := NetParams(config.Network)
	if err != nil {
		return nil, err
	}

	accounts := make(map[core.CurrencyFormat]*hdkeychain.ExtendedKey, len(config.XPubs))

	for format, xpub := range config.XPubs {
		key, err := hdkeychain.NewKeyFromString(xpub)
		if err != nil {
			return nil, fmt.Errorf("invalid extended key for %s: %w", format, err)
		}

		if key.IsPrivate() {
			return nil, fmt.Errorf("extended key for %s must be public", format)
		}

		accounts[format] = key
	}

	return &BtcWalletTools{
		params:   params,
		accounts: accounts,
		branches: map[branchKey]*hdkeychain.ExtendedKey{},
	}, nil
}

func (w *BtcWalletTools) GetScriptPubkey(path core.AddressPath) (string, error) {
	branch, err := w.branch(path.Format, path.ChangeIndex)
	if err != nil {
		return "", err
	}

	child, err := branch.Derive(path.AddressIndex)
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	address, err := payToPubKey(btcutil.Hash160(pubKey.SerializeCompressed()), core.ScriptTypeForFormat(path.Format), w.params)
	if err != nil {
		return "", err
	}

	script, err := txscript.PayToAddrScript(address)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(script), nil
}

// ScriptPubkeyToAddress encodes a standard locking script as an address. The script type selects the
// encoding, format is ignored.
func (w *BtcWalletTools) ScriptPubkeyToAddress(scriptPubkey string, _ core.CurrencyFormat) (string, error) {
	script, err := hex.DecodeString(scriptPubkey)
	if err != nil {
		return "", err
	}

	_, addresses, _, err := txscript.ExtractPkScriptAddrs(script, w.params)
	if err != nil {
		return "", err
	}

	if len(addresses) != 1 {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScript, scriptPubkey)
	}

	return addresses[0].EncodeAddress(), nil
}

func (w *BtcWalletTools) AddressToScriptPubkey(address string) (string, error) {
	decoded, err := btcutil.DecodeAddress(address, w.params)
	if err != nil {
		return "", err
	}

	if !decoded.IsForNet(w.params) {
		return "", fmt.Errorf("address %s is not for %s", address, w.params.Name)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(script), nil
}

func (w *BtcWalletTools) branch(format core.CurrencyFormat, change uint32) (*hdkeychain.ExtendedKey, error) {
	key := branchKey{format: format, change: change}

	w.lock.Lock()
	defer w.lock.Unlock()

	if branch, exists := w.branches[key]; exists {
		return branch, nil
	}

	account, exists := w.accounts[format]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMissingXPub, format)
	}

	branch, err := account.Derive(change)
	if err != nil {
		return nil, err
	}

	w.branches[key] = branch

	return branch, nil
}

func payToPubKey(pubKeyHash []byte, scriptType core.ScriptType, params *chaincfg.Params) (btcutil.Address, error) {
	switch scriptType {
	case core.ScriptTypeP2WPKH:
		return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	case core.ScriptTypeP2WPKHP2SH:
		witness, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
		if err != nil {
			return nil, err
		}

		redeemScript, err := txscript.PayToAddrScript(witness)
		if err != nil {
			return nil, err
		}

		return btcutil.NewAddressScriptHash(redeemScript, params)
	default:
		return btcutil.NewAddressPubKeyHash(pubKeyHash, params)
	}
}
