// Copyright 2025 Certen Protocol
//
// Package subscriber implements the Event Subscriber (spec.md §4.E): a
// thin layer over ethclient's log subscriptions that lets many
// appointments share one underlying filter per (contract, topic) pair,
// and that remembers recently delivered logs so a chain reorg's
// retraction (the node replaying the same log with Removed=true) can be
// matched back to the appointment it originally triggered.
package subscriber

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Handler is invoked once per delivered log. removed is true when the
// node is retracting a log it previously delivered because of a reorg.
type Handler func(log types.Log, removed bool)

// filterKey identifies one underlying subscription: a contract address
// plus its first topic (the event signature). Appointments that watch
// the same event on the same contract share one subscription.
type filterKey struct {
	address common.Address
	topic0  common.Hash
}

type filterEntry struct {
	sub       ethereum.Subscription
	logsCh    chan types.Log
	cancel    context.CancelFunc
	handlers  map[int]Handler
	nextID    int
	refcount  int
}

// logSubscriber is the subset of *ethclient.Client the Subscriber needs
// to open a node-level log subscription. Narrowing to an interface lets
// tests drive Watch end to end — including the Tower's supersede/Unwatch
// path — against a fake provider instead of a live node.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Subscriber multiplexes many appointment-level handlers onto a small
// number of node-level log subscriptions.
type Subscriber struct {
	client logSubscriber

	mu      sync.Mutex
	filters map[filterKey]*filterEntry

	retraction *retractionCache
}

// New constructs a Subscriber. retractionWindow bounds how many recently
// delivered logs are remembered for retraction matching.
func New(client logSubscriber, retractionWindow int) *Subscriber {
	return &Subscriber{
		client:     client,
		filters:    make(map[filterKey]*filterEntry),
		retraction: newRetractionCache(retractionWindow),
	}
}

// Watch subscribes handler to logs matching address/topic0, creating the
// underlying node subscription on first use and sharing it with any
// other watcher of the same (address, topic0) pair. The returned func
// removes this handler; the underlying subscription is closed once its
// last handler is removed.
func (s *Subscriber) Watch(ctx context.Context, address common.Address, topic0 common.Hash, h Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := filterKey{address: address, topic0: topic0}
	entry, ok := s.filters[key]
	if !ok {
		var err error
		entry, err = s.openFilter(ctx, key)
		if err != nil {
			return nil, err
		}
		s.filters[key] = entry
	}

	id := entry.nextID
	entry.nextID++
	entry.handlers[id] = h
	entry.refcount++

	return func() { s.unwatch(key, id) }, nil
}

func (s *Subscriber) openFilter(ctx context.Context, key filterKey) (*filterEntry, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{key.address},
		Topics:    [][]common.Hash{{key.topic0}},
	}
	logsCh := make(chan types.Log, 256)
	sub, err := s.client.SubscribeFilterLogs(ctx, query, logsCh)
	if err != nil {
		return nil, fmt.Errorf("subscriber: subscribe filter logs: %w", err)
	}

	fctx, cancel := context.WithCancel(ctx)
	entry := &filterEntry{
		sub:      sub,
		logsCh:   logsCh,
		cancel:   cancel,
		handlers: make(map[int]Handler),
	}
	go s.pump(fctx, key, entry)
	return entry, nil
}

func (s *Subscriber) pump(ctx context.Context, key filterKey, entry *filterEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-entry.sub.Err():
			_ = err // a production tower would surface this via a health check; the pump just stops
			return
		case lg := <-entry.logsCh:
			removed := s.retraction.observe(lg) || lg.Removed
			s.dispatch(key, lg, removed)
		}
	}
}

func (s *Subscriber) dispatch(key filterKey, lg types.Log, removed bool) {
	s.mu.Lock()
	entry, ok := s.filters[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(entry.handlers))
	for _, h := range entry.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(lg, removed)
	}
}

func (s *Subscriber) unwatch(key filterKey, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.filters[key]
	if !ok {
		return
	}
	delete(entry.handlers, id)
	entry.refcount--
	if entry.refcount <= 0 {
		entry.cancel()
		entry.sub.Unsubscribe()
		delete(s.filters, key)
	}
}
