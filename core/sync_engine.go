package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidInput = errors.New("invalid input")

	errEngineAlreadyStarted = errors.New("sync engine already started")
	errStaleUtxoSnapshot    = errors.New("address changed while its utxos were fetched")
)

const (
	addressTaskPrefix     = "address:"
	transactionTaskPrefix = "tx:"

	defaultGapLimit             = 10
	defaultPageSize             = 100
	defaultFetchConcurrency     = 4
	defaultRetryInitialInterval = 5 * time.Second
	defaultRetryMaxInterval     = 5 * time.Minute
)

type SyncEngineConfig struct {
	CurrencyCode string           `json:"currencyCode"`
	GapLimit     uint32           `json:"gapLimit"`
	Formats      []CurrencyFormat `json:"formats"`

	// page size used for address history requests
	PageSize         int `json:"pageSize"`
	FetchConcurrency int `json:"fetchConcurrency"`

	// failed fetches are retried with exponential backoff between these bounds
	RetryInitialInterval time.Duration `json:"retryInitialInterval"`
	RetryMaxInterval     time.Duration `json:"retryMaxInterval"`
}

// UnmarshalJSON accepts retry intervals as duration strings or nanoseconds.
func (c *SyncEngineConfig) UnmarshalJSON(data []byte) error {
	type plain SyncEngineConfig

	aux := struct {
		*plain
		RetryInitialInterval Duration `json:"retryInitialInterval"`
		RetryMaxInterval     Duration `json:"retryMaxInterval"`
	}{
		plain:                (*plain)(c),
		RetryInitialInterval: Duration(c.RetryInitialInterval),
		RetryMaxInterval:     Duration(c.RetryMaxInterval),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.RetryInitialInterval = aux.RetryInitialInterval.Std()
	c.RetryMaxInterval = aux.RetryMaxInterval.Std()

	return nil
}

func (c SyncEngineConfig) WithDefaults() SyncEngineConfig {
	if c.GapLimit == 0 {
		c.GapLimit = defaultGapLimit
	}

	if len(c.Formats) == 0 {
		c.Formats = []CurrencyFormat{FormatBIP44}
	}

	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}

	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = defaultFetchConcurrency
	}

	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = defaultRetryInitialInterval
	}

	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = defaultRetryMaxInterval
		if c.RetryMaxInterval < c.RetryInitialInterval {
			c.RetryMaxInterval = c.RetryInitialInterval
		}
	}

	return c
}

// SyncTask is one unit of fetch work persisted in the task cache. Address tasks carry the address
// script and the history cursor, transaction tasks only the txid.
type SyncTask struct {
	Fetching        bool         `json:"fetching"`
	Page            int          `json:"page"`
	NetworkQueryVal uint64       `json:"networkQueryVal"`
	ScriptPubkey    string       `json:"scriptPubkey,omitempty"`
	Path            *AddressPath `json:"path,omitempty"`
	TxID            string       `json:"txid,omitempty"`
}

func addressTaskKey(scriptPubkey string) string {
	return addressTaskPrefix + scriptPubkey
}

func transactionTaskKey(txID string) string {
	return transactionTaskPrefix + txID
}

type branchKey struct {
	format CurrencyFormat
	change uint32
}

// -1 means nothing derived or used yet
type branchState struct {
	derived int64
	used    int64
}

// SyncEngine discovers wallet addresses with a gap limit, keeps the Index in sync with the ledger
// and maintains the wallet balance and block height.
type SyncEngine struct {
	config   SyncEngineConfig
	index    Index
	tasks    *TaskCache[SyncTask]
	metadata *Metadata
	ledger   LedgerClient
	tools    WalletTools
	emitter  Emitter
	logger   hclog.Logger

	// stateLock serializes every read-modify-write of index records, network calls happen outside
	stateLock sync.Mutex
	branches  map[branchKey]*branchState
	counter   uint64

	wake    chan struct{}
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	runLock sync.Mutex
}

func NewSyncEngine(
	config SyncEngineConfig, index Index, store KeyValueStore, ledger LedgerClient,
	tools WalletTools, emitter Emitter, logger hclog.Logger,
) *SyncEngine {
	logger = loggerOrNull(logger).Named("sync_engine")

	return &SyncEngine{
		config:   config.WithDefaults(),
		index:    index,
		tasks:    NewTaskCache[SyncTask](store, logger.Named("task_cache")),
		metadata: NewMetadata(store, logger.Named("metadata")),
		ledger:   ledger,
		tools:    tools,
		emitter:  emitter,
		logger:   logger,
		branches: map[branchKey]*branchState{},
		wake:     make(chan struct{}, 1),
	}
}

// Start connects to the ledger, restores discovery state from the Index and begins syncing.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.runLock.Lock()
	defer e.runLock.Unlock()

	if e.cancel != nil {
		return errEngineAlreadyStarted
	}

	if err := e.ledger.Connect(ctx); err != nil {
		return fmt.Errorf("could not connect to ledger: %w", err)
	}

	if info, err := e.ledger.FetchInfo(ctx); err != nil {
		e.logger.Warn("could not fetch server info", "err", err)
	} else {
		e.updateBlockHeight(info.BestHeight, true)
	}

	if err := e.ledger.WatchBlocks(ctx, e.onNewBlock); err != nil {
		return fmt.Errorf("could not watch blocks: %w", err)
	}

	// fetches interrupted by a restart are queued again
	if err := e.tasks.Update(func(tasks map[string]SyncTask) error {
		for key, task := range tasks {
			if task.Fetching {
				task.Fetching = false
				tasks[key] = task
			}
		}

		return nil
	}); err != nil {
		return err
	}

	addresses, err := e.restoreDiscoveryState()
	if err != nil {
		return err
	}

	if err := e.watchAddresses(ctx, addresses); err != nil {
		return err
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(1)

	go e.loop(e.ctx)

	e.wakeup()

	e.logger.Info("sync engine started", "addresses", len(addresses), "height", e.metadata.LastSeenBlockHeight())

	return nil
}

// Stop waits for the running fetch pass and disconnects from the ledger.
func (e *SyncEngine) Stop() error {
	e.runLock.Lock()
	defer e.runLock.Unlock()

	if e.cancel == nil {
		return nil
	}

	e.cancel()
	e.wg.Wait()
	e.cancel = nil

	return e.ledger.Disconnect()
}

// Reset clears the Index, the task cache and the wallet metadata. It is idempotent.
func (e *SyncEngine) Reset() error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if err := e.index.ClearAll(); err != nil {
		return fmt.Errorf("could not clear index: %w", err)
	}

	if err := e.tasks.Clear(); err != nil {
		return err
	}

	if err := e.metadata.Clear(); err != nil {
		return err
	}

	e.branches = map[branchKey]*branchState{}
	e.counter = 0

	e.publish(EventWalletBalanceChanged, e.config.CurrencyCode, e.metadata.Balance())

	return nil
}

func (e *SyncEngine) Balance() string {
	return e.metadata.Balance()
}

func (e *SyncEngine) BlockHeight() uint64 {
	return e.metadata.LastSeenBlockHeight()
}

// ProcessAddress registers the address at path, subscribes to its activity and queues a fetch of
// its history starting at networkQueryVal.
func (e *SyncEngine) ProcessAddress(ctx context.Context, path AddressPath, networkQueryVal uint64) error {
	if !e.isFormatEnabled(path.Format) || path.ChangeIndex > 1 {
		return fmt.Errorf("%w: path %s/%d/%d", ErrInvalidInput, path.Format, path.ChangeIndex, path.AddressIndex)
	}

	e.stateLock.Lock()
	address, err := e.registerAddress(path, networkQueryVal)
	e.stateLock.Unlock()

	if err != nil {
		return err
	}

	if err := e.watchAddresses(ctx, []string{address}); err != nil {
		return err
	}

	e.wakeup()

	return nil
}

func (e *SyncEngine) isFormatEnabled(format CurrencyFormat) bool {
	for _, x := range e.config.Formats {
		if x == format {
			return true
		}
	}

	return false
}

func (e *SyncEngine) restoreDiscoveryState() ([]string, error) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	records, err := e.index.FetchAddresses()
	if err != nil {
		return nil, fmt.Errorf("could not load addresses: %w", err)
	}

	addresses := make([]string, 0, len(records))

	for _, record := range records {
		if record.LastQuery > e.counter {
			e.counter = record.LastQuery
		}

		if record.LastTouched > e.counter {
			e.counter = record.LastTouched
		}

		if record.Path == nil {
			continue
		}

		branch := e.branch(record.Path.Format, record.Path.ChangeIndex)
		if idx := int64(record.Path.AddressIndex); idx > branch.derived {
			branch.derived = idx
		}

		if idx := int64(record.Path.AddressIndex); record.Used && idx > branch.used {
			branch.used = idx
		}

		address, err := e.tools.ScriptPubkeyToAddress(record.ScriptPubkey, record.Path.Format)
		if err != nil {
			e.logger.Warn("could not encode stored address", "script", record.ScriptPubkey, "err", err)

			continue
		}

		if err := e.queueAddressTask(record.ScriptPubkey, record.Path, record.NetworkQueryVal); err != nil {
			return nil, err
		}

		addresses = append(addresses, address)
	}

	for _, format := range e.config.Formats {
		for change := uint32(0); change <= 1; change++ {
			derived, err := e.ensureLookahead(format, change)
			if err != nil {
				return nil, err
			}

			addresses = append(addresses, derived...)
		}
	}

	return addresses, nil
}

func (e *SyncEngine) branch(format CurrencyFormat, change uint32) *branchState {
	key := branchKey{format: format, change: change}

	branch, exists := e.branches[key]
	if !exists {
		branch = &branchState{derived: -1, used: -1}
		e.branches[key] = branch
	}

	return branch
}

// ensureLookahead derives addresses until gapLimit unused addresses follow the last used one.
// Caller holds stateLock.
func (e *SyncEngine) ensureLookahead(format CurrencyFormat, change uint32) ([]string, error) {
	branch := e.branch(format, change)
	target := branch.used + int64(e.config.GapLimit)

	var addresses []string

	for branch.derived < target {
		path := AddressPath{
			Format:       format,
			ChangeIndex:  change,
			AddressIndex: uint32(branch.derived + 1),
		}

		address, err := e.registerAddress(path, 0)
		if err != nil {
			return addresses, err
		}

		addresses = append(addresses, address)
	}

	return addresses, nil
}

// registerAddress stores the address as unused if it is new and queues its fetch unless one is
// already running. Caller holds stateLock.
func (e *SyncEngine) registerAddress(path AddressPath, networkQueryVal uint64) (string, error) {
	scriptPubkey, err := e.tools.GetScriptPubkey(path)
	if err != nil {
		return "", fmt.Errorf("could not derive script for %s/%d/%d: %w", path.Format, path.ChangeIndex, path.AddressIndex, err)
	}

	address, err := e.tools.ScriptPubkeyToAddress(scriptPubkey, path.Format)
	if err != nil {
		return "", err
	}

	record, err := e.index.FetchAddressByScriptPubkey(scriptPubkey)
	if err != nil {
		return "", err
	}

	if record == nil {
		record = &AddressRecord{
			ScriptPubkey:    scriptPubkey,
			Path:            &path,
			Balance:         "0",
			NetworkQueryVal: networkQueryVal,
		}

		if err := e.index.SaveAddress(record); err != nil {
			return "", err
		}
	}

	branch := e.branch(path.Format, path.ChangeIndex)
	if idx := int64(path.AddressIndex); idx > branch.derived {
		branch.derived = idx
	}

	if err := e.queueAddressTask(scriptPubkey, record.Path, networkQueryVal); err != nil {
		return "", err
	}

	return address, nil
}

func (e *SyncEngine) queueAddressTask(scriptPubkey string, path *AddressPath, networkQueryVal uint64) error {
	return e.tasks.Update(func(tasks map[string]SyncTask) error {
		key := addressTaskKey(scriptPubkey)
		if task, exists := tasks[key]; exists {
			if !task.Fetching && networkQueryVal < task.NetworkQueryVal {
				task.NetworkQueryVal = networkQueryVal
				task.Page = 1
				tasks[key] = task
			}

			return nil
		}

		tasks[key] = SyncTask{
			Page:            1,
			NetworkQueryVal: networkQueryVal,
			ScriptPubkey:    scriptPubkey,
			Path:            path,
		}

		return nil
	})
}

func (e *SyncEngine) watchAddresses(ctx context.Context, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	if err := e.ledger.WatchAddresses(ctx, addresses, e.onAddressActivity); err != nil {
		return fmt.Errorf("could not watch addresses: %w", err)
	}

	return nil
}

func (e *SyncEngine) wakeup() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *SyncEngine) loop(ctx context.Context) {
	defer e.wg.Done()

	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = e.config.RetryInitialInterval
	retryBackoff.MaxInterval = e.config.RetryMaxInterval
	retryBackoff.MaxElapsedTime = 0
	retryBackoff.Reset()

	var (
		retryTimer *time.Timer
		retryCh    <-chan time.Time
	)

	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-retryCh:
			retryCh = nil
		}

		failed := e.drain(ctx)
		if ctx.Err() != nil {
			return
		}

		if failed == 0 {
			retryBackoff.Reset()

			if retryTimer != nil {
				retryTimer.Stop()
				retryCh = nil
			}
		} else if retryCh == nil {
			wait := retryBackoff.NextBackOff()
			e.logger.Info("fetches failed, retry scheduled", "failed", failed, "retry", wait)

			retryTimer = time.NewTimer(wait)
			retryCh = retryTimer.C
		}
	}
}

// drain runs fetch passes until no queued work is left. Work failing during this call is not
// retried by it, the number of such tasks is returned.
func (e *SyncEngine) drain(ctx context.Context) int {
	failed := map[string]bool{}

	for ctx.Err() == nil {
		claimed := e.runPass(ctx, failed)
		if claimed == 0 {
			break
		}
	}

	e.reportProgress()

	return len(failed)
}

func (e *SyncEngine) runPass(ctx context.Context, failed map[string]bool) int {
	claimed := map[string]SyncTask{}

	if err := e.tasks.Update(func(tasks map[string]SyncTask) error {
		for key, task := range tasks {
			if task.Fetching || failed[key] {
				continue
			}

			task.Fetching = true
			tasks[key] = task
			claimed[key] = task
		}

		return nil
	}); err != nil {
		e.logger.Error("could not claim tasks", "err", err)

		return 0
	}

	if len(claimed) == 0 {
		return 0
	}

	var (
		lock  sync.Mutex
		group errgroup.Group
	)

	group.SetLimit(e.config.FetchConcurrency)

	for key, task := range claimed {
		key, task := key, task

		group.Go(func() error {
			err := e.processTask(ctx, key, task)
			if errors.Is(err, errStaleUtxoSnapshot) {
				e.logger.Debug("address changed during fetch, fetching again", "key", key)
			} else if err != nil {
				e.logger.Warn("fetch failed", "key", key, "err", err)

				lock.Lock()
				failed[key] = true
				lock.Unlock()
			}

			e.finishTask(key, err)
			e.reportProgress()

			return nil
		})
	}

	_ = group.Wait()

	return len(claimed)
}

func (e *SyncEngine) finishTask(key string, fetchErr error) {
	if err := e.tasks.Update(func(tasks map[string]SyncTask) error {
		task, exists := tasks[key]
		if !exists {
			return nil
		}

		if fetchErr == nil {
			delete(tasks, key)
		} else {
			task.Fetching = false
			tasks[key] = task
		}

		return nil
	}); err != nil {
		e.logger.Error("could not update task", "key", key, "err", err)
	}
}

func (e *SyncEngine) processTask(ctx context.Context, key string, task SyncTask) error {
	switch {
	case strings.HasPrefix(key, transactionTaskPrefix):
		return e.fetchTransaction(ctx, task.TxID)
	case strings.HasPrefix(key, addressTaskPrefix):
		return e.fetchAddress(ctx, key, task)
	default:
		e.logger.Warn("unknown task dropped", "key", key)

		return nil
	}
}

func (e *SyncEngine) fetchTransaction(ctx context.Context, txID string) error {
	ledgerTx, err := e.ledger.FetchTransaction(ctx, txID)
	if err != nil {
		return err
	}

	addresses, err := e.applyTransaction(ledgerTx)
	if err != nil {
		return err
	}

	return e.watchAddresses(ctx, addresses)
}

// fetchAddress downloads the address history from task.NetworkQueryVal page by page, then
// replaces its utxo set. The next page is persisted after every page so a restart resumes there.
func (e *SyncEngine) fetchAddress(ctx context.Context, key string, task SyncTask) error {
	if task.Path == nil {
		return fmt.Errorf("%w: address task without path", ErrInvalidInput)
	}

	address, err := e.tools.ScriptPubkeyToAddress(task.ScriptPubkey, task.Path.Format)
	if err != nil {
		return err
	}

	startHeight := e.metadata.LastSeenBlockHeight()
	page := task.Page

	if page < 1 {
		page = 1
	}

	var (
		details      *AccountDetails
		newAddresses []string
	)

	for {
		details, err = e.ledger.FetchAddress(ctx, address, AccountOpts{
			Details: AddressDetailsTxs,
			Page:    page,
			PerPage: e.config.PageSize,
			From:    task.NetworkQueryVal,
		})
		if err != nil {
			return err
		}

		for _, ledgerTx := range details.Transactions {
			derived, err := e.applyTransaction(ledgerTx)
			if err != nil {
				return err
			}

			newAddresses = append(newAddresses, derived...)
		}

		if page >= details.TotalPages {
			break
		}

		page++

		if err := e.tasks.Update(func(tasks map[string]SyncTask) error {
			if current, exists := tasks[key]; exists {
				current.Page = page
				tasks[key] = current
			}

			return nil
		}); err != nil {
			return err
		}
	}

	touched, err := e.lastTouched(task.ScriptPubkey)
	if err != nil {
		return err
	}

	utxos, err := e.ledger.FetchAddressUtxos(ctx, address)
	if err != nil {
		return err
	}

	derived, err := e.applyAddressState(task.ScriptPubkey, details, utxos, startHeight, touched)
	if err != nil {
		return err
	}

	newAddresses = append(newAddresses, derived...)

	return e.watchAddresses(ctx, newAddresses)
}

func (e *SyncEngine) lastTouched(scriptPubkey string) (uint64, error) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	record, err := e.index.FetchAddressByScriptPubkey(scriptPubkey)
	if err != nil || record == nil {
		return 0, err
	}

	return record.LastTouched, nil
}

// applyAddressState stores the authoritative utxo set of an address and advances its cursor.
// The set is rejected with errStaleUtxoSnapshot when a transaction touched the address after
// touched was read, the snapshot may predate that transaction.
func (e *SyncEngine) applyAddressState(
	scriptPubkey string, details *AccountDetails, accountUtxos []*AccountUtxo, queryHeight uint64, touched uint64,
) ([]string, error) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	record, err := e.index.FetchAddressByScriptPubkey(scriptPubkey)
	if err != nil {
		return nil, err
	} else if record == nil {
		// wallet was reset while the fetch was running
		return nil, nil
	}

	if record.LastTouched != touched {
		return nil, errStaleUtxoSnapshot
	}

	utxos := make([]*Utxo, 0, len(accountUtxos))

	for _, x := range accountUtxos {
		if _, err := ParseAmount(x.Value); err != nil {
			return nil, err
		}

		utxos = append(utxos, e.newUtxo(record, x.TxID, x.Vout, x.Value, x.Height))
	}

	if err := e.index.ReplaceUtxos(scriptPubkey, utxos); err != nil {
		return nil, err
	}

	e.counter++
	record.LastQuery = e.counter

	if queryHeight > record.NetworkQueryVal {
		record.NetworkQueryVal = queryHeight
	}

	if err := e.refreshBalance(record); err != nil {
		return nil, err
	}

	if details.Txs > 0 || details.UnconfirmedTxs > 0 {
		return e.markUsed(record)
	}

	return nil, e.index.SaveAddress(record)
}

func (e *SyncEngine) newUtxo(record *AddressRecord, txID string, vout uint32, value string, height uint64) *Utxo {
	scriptType := ScriptTypeP2PKH
	if record.Path != nil {
		scriptType = ScriptTypeForFormat(record.Path.Format)
	}

	utxo := &Utxo{
		ID:           UtxoID(txID, vout),
		TxID:         txID,
		Vout:         vout,
		ScriptPubkey: record.ScriptPubkey,
		Value:        value,
		Script:       record.ScriptPubkey,
		ScriptType:   scriptType,
		BlockHeight:  height,
	}

	// legacy inputs are signed against the whole funding transaction
	if scriptType == ScriptTypeP2PKH {
		if tx, err := e.index.FetchTransaction(txID); err == nil && tx != nil && tx.Hex != "" {
			utxo.Script = tx.Hex
		}
	}

	return utxo
}

func (e *SyncEngine) onAddressActivity(activity *AddressActivity) {
	if activity == nil || activity.Transaction == nil || activity.Transaction.TxID == "" {
		e.logger.Warn("malformed address activity dropped")

		return
	}

	scriptPubkey, err := e.tools.AddressToScriptPubkey(activity.Address)
	if err != nil {
		e.logger.Warn("address activity for invalid address dropped", "address", activity.Address, "err", err)

		return
	}

	record, err := e.index.FetchAddressByScriptPubkey(scriptPubkey)
	if err != nil {
		e.logger.Error("could not load address", "address", activity.Address, "err", err)

		return
	} else if record == nil {
		e.logger.Warn("address activity for unknown address dropped", "address", activity.Address)

		return
	}

	addresses, err := e.applyTransaction(activity.Transaction)
	if err != nil {
		e.logger.Warn("address activity not applied", "address", activity.Address, "txid", activity.Transaction.TxID, "err", err)

		return
	}

	if err := e.watchAddresses(e.runContext(), addresses); err != nil {
		e.logger.Warn("could not watch derived addresses", "err", err)
	}

	e.wakeup()
}

func (e *SyncEngine) onNewBlock(block *NewBlock) {
	if !e.updateBlockHeight(block.Height, false) {
		return
	}

	// unconfirmed transactions and transactions at or above the new tip may have moved
	txIDs, err := e.index.FetchTxIDsByBlockHeight(HeightsBetween(0, 0))
	if err != nil {
		e.logger.Error("could not load unconfirmed transactions", "err", err)

		return
	}

	aboveTip, err := e.index.FetchTxIDsByBlockHeight(HeightsFrom(block.Height))
	if err != nil {
		e.logger.Error("could not load transactions above tip", "err", err)

		return
	}

	txIDs = append(txIDs, aboveTip...)
	if len(txIDs) == 0 {
		return
	}

	if err := e.tasks.Update(func(tasks map[string]SyncTask) error {
		for _, txID := range txIDs {
			key := transactionTaskKey(txID)
			if _, exists := tasks[key]; !exists {
				tasks[key] = SyncTask{TxID: txID}
			}
		}

		return nil
	}); err != nil {
		e.logger.Error("could not queue transactions", "err", err)

		return
	}

	e.wakeup()
}

// updateBlockHeight accepts only increasing heights. The ledger client publishes heights of
// block pushes itself, publish is set for heights learned any other way.
func (e *SyncEngine) updateBlockHeight(height uint64, publish bool) bool {
	changed, err := e.metadata.SetLastSeenBlockHeight(height)
	if err != nil {
		e.logger.Error("could not store block height", "height", height, "err", err)

		return false
	} else if !changed {
		e.logger.Debug("stale block height ignored", "height", height, "current", e.metadata.LastSeenBlockHeight())

		return false
	}

	if publish {
		e.publish(EventBlockHeightChanged, height)
	}

	return true
}

// applyTransaction merges a ledger transaction into the Index. A known transaction at the same
// height is left untouched, one at a new height is moved to it. Returns newly derived addresses.
func (e *SyncEngine) applyTransaction(ledgerTx *LedgerTransaction) ([]string, error) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	height := uint64(0)
	if ledgerTx.BlockHeight > 0 {
		height = uint64(ledgerTx.BlockHeight)
	}

	existing, err := e.index.FetchTransaction(ledgerTx.TxID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.BlockHeight == height {
			return nil, nil
		}

		return nil, e.moveTransaction(existing, ledgerTx, height)
	}

	tx, owners, err := e.toTransaction(ledgerTx, height)
	if err != nil {
		return nil, err
	} else if len(owners) == 0 {
		e.logger.Debug("transaction without wallet inputs or outputs skipped", "txid", ledgerTx.TxID)

		return nil, nil
	}

	created := make([]*Utxo, 0, len(tx.OurOuts))

	for _, out := range tx.Outputs {
		if record := owners[out.ScriptPubkey]; record != nil {
			utxo := e.newUtxo(record, tx.TxID, out.Index, out.Amount, height)
			if utxo.ScriptType == ScriptTypeP2PKH && tx.Hex != "" {
				utxo.Script = tx.Hex
			}

			created = append(created, utxo)
		}
	}

	if err := e.index.CommitTransaction(tx, created, tx.OurIns); err != nil {
		return nil, err
	}

	var addresses []string

	for _, record := range sortedRecords(owners) {
		e.counter++
		record.LastTouched = e.counter

		if err := e.refreshBalance(record); err != nil {
			return addresses, err
		}

		derived, err := e.markUsed(record)
		if err != nil {
			return addresses, err
		}

		addresses = append(addresses, derived...)
	}

	e.publishTransaction(tx)

	return addresses, nil
}

func (e *SyncEngine) moveTransaction(existing *Transaction, ledgerTx *LedgerTransaction, height uint64) error {
	moved := *existing
	moved.BlockHeight = height

	if ledgerTx.BlockTime != 0 {
		moved.Date = ledgerTx.BlockTime
	}

	if ledgerTx.Hex != "" {
		moved.Hex = ledgerTx.Hex
	}

	var updated []*Utxo

	for _, id := range existing.OurOuts {
		utxo, err := e.index.FetchUtxo(id)
		if err != nil {
			return err
		} else if utxo != nil {
			utxo.BlockHeight = height
			updated = append(updated, utxo)
		}
	}

	if err := e.index.CommitTransaction(&moved, updated, nil); err != nil {
		return err
	}

	e.logger.Debug("transaction moved", "txid", moved.TxID, "from", existing.BlockHeight, "to", height)

	e.publishTransaction(&moved)

	return nil
}

// toTransaction converts a ledger transaction and returns the wallet addresses it touches keyed by script.
func (e *SyncEngine) toTransaction(ledgerTx *LedgerTransaction, height uint64) (*Transaction, map[string]*AddressRecord, error) {
	owners := map[string]*AddressRecord{}
	ourAmount := new(big.Int)

	owner := func(scriptPubkey string) (*AddressRecord, error) {
		if scriptPubkey == "" {
			return nil, nil
		}

		if record, exists := owners[scriptPubkey]; exists {
			return record, nil
		}

		record, err := e.index.FetchAddressByScriptPubkey(scriptPubkey)
		if err != nil || record == nil {
			return nil, err
		}

		owners[scriptPubkey] = record

		return record, nil
	}

	tx := &Transaction{
		TxID:        ledgerTx.TxID,
		Hex:         ledgerTx.Hex,
		BlockHeight: height,
		Date:        ledgerTx.BlockTime,
		Fees:        ledgerTx.Fees,
		Inputs:      make([]*TxInput, 0, len(ledgerTx.Vin)),
		Outputs:     make([]*TxOutput, 0, len(ledgerTx.Vout)),
	}

	for _, vin := range ledgerTx.Vin {
		value, err := ParseAmount(vin.Value)
		if err != nil {
			return nil, nil, err
		}

		input := &TxInput{
			TxID:         vin.TxID,
			OutputIndex:  vin.Vout,
			ScriptPubkey: e.scriptPubkeyOf(vin.Addresses),
			Amount:       value.String(),
		}

		tx.Inputs = append(tx.Inputs, input)

		record, err := owner(input.ScriptPubkey)
		if err != nil {
			return nil, nil, err
		} else if record != nil {
			tx.OurIns = append(tx.OurIns, input.Key())
			ourAmount.Sub(ourAmount, value)
		}
	}

	for _, vout := range ledgerTx.Vout {
		value, err := ParseAmount(vout.Value)
		if err != nil {
			return nil, nil, err
		}

		scriptPubkey := vout.Hex
		if scriptPubkey == "" {
			scriptPubkey = e.scriptPubkeyOf(vout.Addresses)
		}

		output := &TxOutput{
			Index:        vout.N,
			ScriptPubkey: scriptPubkey,
			Amount:       value.String(),
		}

		tx.Outputs = append(tx.Outputs, output)

		record, err := owner(scriptPubkey)
		if err != nil {
			return nil, nil, err
		} else if record != nil {
			tx.OurOuts = append(tx.OurOuts, UtxoID(tx.TxID, output.Index))
			ourAmount.Add(ourAmount, value)
		}
	}

	tx.OurAmount = ourAmount.String()

	return tx, owners, nil
}

func (e *SyncEngine) scriptPubkeyOf(addresses []string) string {
	if len(addresses) == 0 {
		return ""
	}

	scriptPubkey, err := e.tools.AddressToScriptPubkey(addresses[0])
	if err != nil {
		e.logger.Trace("could not decode address", "address", addresses[0], "err", err)

		return ""
	}

	return scriptPubkey
}

// refreshBalance sets the address balance to the sum of its indexed utxos and applies the
// difference to the wallet balance. The record is saved by the caller.
func (e *SyncEngine) refreshBalance(record *AddressRecord) error {
	utxos, err := e.index.FetchUtxosByScriptPubkey(record.ScriptPubkey)
	if err != nil {
		return err
	}

	balance, err := SumUtxoValues(utxos)
	if err != nil {
		return err
	}

	previous, err := ParseAmount(record.Balance)
	if err != nil {
		e.logger.Warn("stored address balance unreadable", "script", record.ScriptPubkey, "err", err)

		previous = new(big.Int)
	}

	delta := new(big.Int).Sub(balance, previous)
	record.Balance = balance.String()

	if delta.Sign() == 0 {
		return nil
	}

	walletBalance, err := e.metadata.ApplyBalanceDelta(delta)
	if errors.Is(err, ErrNegativeBalance) {
		e.logger.Error("wallet balance out of sync with the index, recomputing", "delta", delta.String(), "err", err)

		walletBalance, err = e.recomputeWalletBalance()
	}

	if err != nil {
		e.logger.Error("wallet balance not updated", "delta", delta.String(), "err", err)

		return err
	}

	e.publish(EventAddressBalanceChanged, e.config.CurrencyCode, delta.String())
	e.publish(EventWalletBalanceChanged, e.config.CurrencyCode, walletBalance)

	return nil
}

// recomputeWalletBalance replaces the wallet balance with the sum of every indexed wallet utxo.
// Caller holds stateLock.
func (e *SyncEngine) recomputeWalletBalance() (string, error) {
	records, err := e.index.FetchAddresses()
	if err != nil {
		return "", err
	}

	total := new(big.Int)

	for _, record := range records {
		utxos, err := e.index.FetchUtxosByScriptPubkey(record.ScriptPubkey)
		if err != nil {
			return "", err
		}

		balance, err := SumUtxoValues(utxos)
		if err != nil {
			return "", err
		}

		total.Add(total, balance)
	}

	return e.metadata.SetBalance(total)
}

// markUsed saves the record as used and extends discovery on its branch. Caller holds stateLock.
func (e *SyncEngine) markUsed(record *AddressRecord) ([]string, error) {
	record.Used = true

	if err := e.index.SaveAddress(record); err != nil {
		return nil, err
	}

	if record.Path == nil || !e.isFormatEnabled(record.Path.Format) {
		return nil, nil
	}

	branch := e.branch(record.Path.Format, record.Path.ChangeIndex)
	if idx := int64(record.Path.AddressIndex); idx > branch.used {
		branch.used = idx
	}

	return e.ensureLookahead(record.Path.Format, record.Path.ChangeIndex)
}

func (e *SyncEngine) reportProgress() {
	tasks, err := e.tasks.FetchTaskCache()
	if err != nil {
		return
	}

	records, err := e.index.FetchAddresses()
	if err != nil || len(records) == 0 {
		return
	}

	pending := 0

	for key := range tasks {
		if strings.HasPrefix(key, addressTaskPrefix) {
			pending++
		}
	}

	checked := len(records) - pending
	if checked < 0 {
		checked = 0
	}

	e.publish(EventAddressesChecked, float64(checked)/float64(len(records)))
}

func (e *SyncEngine) publishTransaction(tx *Transaction) {
	e.publish(EventTransactionsChanged, []*Transaction{tx})
	e.publish(EventTxIDsChanged, map[string]uint64{tx.TxID: tx.BlockHeight})
}

func (e *SyncEngine) publish(event EngineEvent, args ...interface{}) {
	if e.emitter != nil {
		e.emitter.Publish(event, args...)
	}
}

func (e *SyncEngine) runContext() context.Context {
	e.runLock.Lock()
	defer e.runLock.Unlock()

	if e.ctx == nil {
		return context.Background()
	}

	return e.ctx
}

func sortedRecords(records map[string]*AddressRecord) []*AddressRecord {
	result := make([]*AddressRecord, 0, len(records))
	for _, record := range records {
		result = append(result, record)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ScriptPubkey < result[j].ScriptPubkey
	})

	return result
}
