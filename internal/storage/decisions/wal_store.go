// Package decisions journals every trigger evaluation to an append-only
// WAL so the reasoning behind each trade, and each skipped trade, can be
// replayed after the fact.
package decisions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/cyclebot/internal/domain"
)

const (
	DefaultDir   = "./wal/decisions"
	segmentLimit = 1000
	maxSegments  = 10

	decisionKeyPrefix = "decision_"
	orderKeyPrefix    = "order_"
)

// OrderPhase is one step of an order's lifecycle on the journal.
type OrderPhase string

const (
	PhasePrepared  OrderPhase = "prepared"
	PhaseSubmitted OrderPhase = "submitted"
	PhaseFilled    OrderPhase = "filled"
	PhaseCompleted OrderPhase = "completed"
)

// OrderEvent is one journaled order lifecycle step.
type OrderEvent struct {
	Pair          string     `json:"pair"`
	Side          string     `json:"side"`
	ClientOrderID string     `json:"client_order_id"`
	Phase         OrderPhase `json:"phase"`
	Time          int64      `json:"time"`
}

// OrderEventRecord pairs a journaled order event with its WAL index.
type OrderEventRecord struct {
	Index uint64     `json:"index"`
	Event OrderEvent `json:"event"`
}

// Decision is one journaled trigger evaluation.
type Decision struct {
	Pair      string               `json:"pair"`
	Side      string               `json:"side"`
	Triggered bool                 `json:"triggered"`
	Reason    string               `json:"reason,omitempty"`
	Checks    []domain.CheckResult `json:"checks"`
	Close     string               `json:"close"`
	Time      int64                `json:"time"`
}

// DecisionRecord pairs a journaled decision with its WAL index.
type DecisionRecord struct {
	Index    uint64   `json:"index"`
	Decision Decision `json:"decision"`
}

// Journal persists trigger decisions in a size-bounded WAL.
type Journal struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewJournal initializes a WAL-backed decision journal.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "decision_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: false,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init decision WAL")
	}

	return &Journal{wal: wal}, nil
}

// RecordBuy journals a buy-side evaluation against the candle it was made on.
func (j *Journal) RecordBuy(pair string, eval domain.BuyEvaluation, candle domain.Candle) error {
	return j.save(Decision{
		Pair:      pair,
		Side:      "BUY",
		Triggered: eval.Triggered,
		Reason:    eval.Reason,
		Checks:    eval.Checks,
		Close:     candle.Close.String(),
		Time:      candle.Time.UnixNano(),
	})
}

// RecordSell journals a sell-side evaluation against the candle it was made on.
func (j *Journal) RecordSell(pair string, eval domain.SellEvaluation, candle domain.Candle) error {
	return j.save(Decision{
		Pair:      pair,
		Side:      "SELL",
		Triggered: eval.Triggered,
		Reason:    eval.Reason,
		Checks:    eval.Checks,
		Close:     candle.Close.String(),
		Time:      candle.Time.UnixNano(),
	})
}

// RecordOrderPhase journals one lifecycle step of a live order.
func (j *Journal) RecordOrderPhase(pair, side, clientOrderID string, phase OrderPhase) error {
	if j == nil || j.wal == nil {
		return errors.New("decision journal is not initialized")
	}
	if pair == "" {
		return fmt.Errorf("order event pair is required")
	}
	if clientOrderID == "" {
		return fmt.Errorf("order event client order id is required")
	}

	payload, err := json.Marshal(OrderEvent{
		Pair:          pair,
		Side:          side,
		ClientOrderID: clientOrderID,
		Phase:         phase,
		Time:          time.Now().UnixNano(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal order event")
	}

	key := fmt.Sprintf("%s%s", orderKeyPrefix, pair)

	j.mu.Lock()
	defer j.mu.Unlock()

	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, payload)
}

func (j *Journal) save(d Decision) error {
	if j == nil || j.wal == nil {
		return errors.New("decision journal is not initialized")
	}
	if d.Pair == "" {
		return fmt.Errorf("decision pair is required")
	}
	if d.Time == 0 {
		d.Time = time.Now().UnixNano()
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal decision")
	}

	key := fmt.Sprintf("%s%s", decisionKeyPrefix, d.Pair)

	j.mu.Lock()
	defer j.mu.Unlock()

	nextIndex := j.wal.CurrentIndex() + 1
	return j.wal.Write(nextIndex, key, payload)
}

// DecisionsAfter returns all decisions written after the provided WAL index.
func (j *Journal) DecisionsAfter(index uint64) ([]DecisionRecord, error) {
	if j == nil || j.wal == nil {
		return nil, errors.New("decision journal is not initialized")
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	current := j.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]DecisionRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := j.wal.Get(idx)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(key, decisionKeyPrefix) {
			continue
		}

		var d Decision
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, errors.Wrap(err, "decode decision")
		}
		records = append(records, DecisionRecord{Index: idx, Decision: d})
	}

	return records, nil
}

// OrdersAfter returns all order lifecycle events written after the provided WAL index.
func (j *Journal) OrdersAfter(index uint64) ([]OrderEventRecord, error) {
	if j == nil || j.wal == nil {
		return nil, errors.New("decision journal is not initialized")
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	current := j.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]OrderEventRecord, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := j.wal.Get(idx)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(key, orderKeyPrefix) {
			continue
		}

		var e OrderEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, errors.Wrap(err, "decode order event")
		}
		records = append(records, OrderEventRecord{Index: idx, Event: e})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (j *Journal) CurrentIndex() uint64 {
	if j == nil || j.wal == nil {
		return 0
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	if j == nil || j.wal == nil {
		return errors.New("decision journal is not initialized")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}
