package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/bitmap"
	"golang.org/x/sync/semaphore"

	"github.com/dannyzb/dignat/common"
)

// schedEvent is the single bounded-queue event shape the scheduler goroutine
// consumes from a single bounded queue (chunk completions, chunk failures
// including timeouts, and peer additions and removals). Cancellation arrives
// through the scheduler's context, not as an event.
type schedEvent struct {
	chunkDone    *chunkDoneEvent
	chunkFailed  *chunkFailedEvent
	peerAdded    *peerAddedEvent
	peerRemoved  *peerRemovedEvent
}

type chunkDoneEvent struct {
	index   uint32
	peer    common.NodeId
	data    []byte
	elapsed time.Duration
}

type chunkFailedEvent struct {
	index uint32
	peer  common.NodeId
	err   error
}

type peerAddedEvent struct {
	id   common.NodeId
	link *peerLink
}

type peerRemovedEvent struct {
	id common.NodeId
}

// inflight tracks one outstanding chunk request so its goroutine can be cancelled
// when a duplicate endgame request elsewhere wins, or when the download as a whole
// is cancelled.
type inflight struct {
	cancel context.CancelFunc
	peer   common.NodeId
}

// scheduler is the single owner of a download's chunk-state map, rarity tracker,
// and stats table. Exactly one goroutine (Run) mutates the chunk states and the
// inflight map; AddPeer, called from connection goroutines, also registers a
// peer in the peer set, rarity tracker and stats table under their own locks.
// Fetch workers only perform network I/O and report results back through events.
type scheduler struct {
	fd      FileDescriptor
	opts    Options
	storage *chunkStorage
	rarity  *rarityTracker
	stats   *statsTable
	logger  log.Logger

	peersMu sync.Mutex
	peers   map[string]*peerLink

	states   []chunkState
	inflight map[uint32]map[string]*inflight

	completed      bitmap.Bitmap
	endgame        bool
	lastBytes      int64
	lastSample     time.Time
	lastThroughput float64
	concurrency    int // soft adaptive target, in [MinConcurrency, MaxConcurrency]
	active         int // number of fetches currently dispatched
	sem            *semaphore.Weighted // hard ceiling at MaxConcurrency

	events chan schedEvent
	done   chansync.SetOnce
	errMu  sync.Mutex
	err    error

	ctx    context.Context
	cancel context.CancelFunc

	discoverMore func(ctx context.Context) ([]PeerCandidate, error)
	connectPeer  func(ctx context.Context, cand PeerCandidate) (*peerLink, error)
}

func newScheduler(ctx context.Context, fd FileDescriptor, storage *chunkStorage, opts Options, logger log.Logger) *scheduler {
	sctx, cancel := context.WithCancel(ctx)
	s := &scheduler{
		fd:          fd,
		opts:        opts,
		storage:     storage,
		rarity:      newRarityTracker(fd.ChunkCount),
		stats:       newStatsTable(),
		logger:      logger,
		peers:       make(map[string]*peerLink),
		states:      make([]chunkState, fd.ChunkCount),
		inflight:    make(map[uint32]map[string]*inflight),
		concurrency: opts.initialConcurrency(fd.TotalBytes),
		events:      make(chan schedEvent, 256),
		ctx:         sctx,
		cancel:      cancel,
		lastSample:  time.Now(),
	}
	s.sem = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	return s
}

func (s *scheduler) setFail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	if !s.done.IsSet() {
		s.done.Set()
	}
	s.cancel()
}

func (s *scheduler) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// AddPeer registers a newly connected peer link, requests its bitmap, and wakes the
// scheduler loop via the event queue.
func (s *scheduler) AddPeer(id common.NodeId, link *peerLink) {
	s.peersMu.Lock()
	s.peers[id.String()] = link
	s.peersMu.Unlock()
	s.stats.addPeer(id, link.method)

	bm, err := link.RequestBitmap(s.fd.Hash, s.opts.PeerTimeout)
	if err != nil {
		s.logger.Levelf(log.Debug, "transfer: bitmap request to %s failed: %v", id, err)
	} else if err := s.rarity.AddPeerBitmap(id, bm); err != nil {
		s.logger.Levelf(log.Debug, "transfer: bitmap decode from %s failed: %v", id, err)
	}

	select {
	case s.events <- schedEvent{peerAdded: &peerAddedEvent{id: id, link: link}}:
	case <-s.ctx.Done():
	}
}

func (s *scheduler) RemovePeer(id common.NodeId) {
	select {
	case s.events <- schedEvent{peerRemoved: &peerRemovedEvent{id: id}}:
	case <-s.ctx.Done():
	}
}

// Run is the scheduler goroutine's body: it processes events and, after each one,
// dispatches as much new work as the current concurrency budget and pending chunk
// set allow. It returns once every chunk is complete, the context is cancelled, or
// a chunk is abandoned.
func (s *scheduler) Run() error {
	bandwidthTicker := time.NewTicker(s.opts.BandwidthCheckInterval)
	defer bandwidthTicker.Stop()
	var discoveryTicker *time.Ticker
	if s.opts.EnableContinuousDiscovery && s.discoverMore != nil {
		discoveryTicker = time.NewTicker(30 * time.Second)
		defer discoveryTicker.Stop()
	}

	s.dispatch()
	for {
		if s.completedCount() >= s.fd.ChunkCount {
			return nil
		}
		select {
		case <-s.ctx.Done():
			if err := s.failure(); err != nil {
				return err
			}
			return ErrCancelled
		case ev := <-s.events:
			s.handle(ev)
		case <-bandwidthTicker.C:
			s.adaptConcurrency()
			s.stats.slowPeerEviction(s.opts.SlowPeerThreshold)
		case <-tickerC(discoveryTicker):
			s.runContinuousDiscovery()
		}
		if err := s.failure(); err != nil {
			return err
		}
		s.checkEndgame()
		s.dispatch()
	}
}

// closePeers closes every peer link the scheduler knows about. Safe to call more
// than once; peerLink.Close is idempotent.
func (s *scheduler) closePeers() {
	s.peersMu.Lock()
	links := make([]*peerLink, 0, len(s.peers))
	for _, link := range s.peers {
		links = append(links, link)
	}
	s.peersMu.Unlock()
	for _, link := range links {
		link.Close()
	}
}

func (s *scheduler) completedCount() uint32 {
	return uint32(s.completed.Len())
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *scheduler) handle(ev schedEvent) {
	switch {
	case ev.chunkDone != nil:
		s.onChunkDone(ev.chunkDone)
	case ev.chunkFailed != nil:
		s.onChunkFailed(ev.chunkFailed)
	case ev.peerAdded != nil:
		// Bitmap/stats registration already happened synchronously in AddPeer;
		// nothing further to do here beyond waking dispatch, which Run does
		// unconditionally after every event.
	case ev.peerRemoved != nil:
		s.peersMu.Lock()
		delete(s.peers, ev.peerRemoved.id.String())
		s.peersMu.Unlock()
		s.rarity.RemovePeer(ev.peerRemoved.id)
		s.stats.removePeer(ev.peerRemoved.id)
	}
}

func (s *scheduler) onChunkDone(ev *chunkDoneEvent) {
	st := &s.states[ev.index]
	s.active--
	if st.status == ChunkComplete {
		return // a losing endgame duplicate arriving after the winner
	}
	if err := s.storage.WriteChunk(ev.index, ev.data); err != nil {
		s.setFail(fmt.Errorf("transfer: %w", err))
		return
	}
	st.status = ChunkComplete
	s.cancelOthers(ev.index, ev.peer)
	delete(s.inflight, ev.index)
	s.rarity.MarkDone(ev.index)
	s.stats.recordSuccess(ev.peer, int64(len(ev.data)), ev.elapsed)
	s.completed.Add(bitmap.BitIndex(ev.index))
}

func (s *scheduler) onChunkFailed(ev *chunkFailedEvent) {
	st := &s.states[ev.index]
	s.active--
	if st.status == ChunkComplete {
		return
	}
	s.stats.recordFailure(ev.peer)
	if reqs, ok := s.inflight[ev.index]; ok {
		delete(reqs, ev.peer.String())
		if len(reqs) == 0 {
			delete(s.inflight, ev.index)
		}
	}
	st.attempts++
	peerCount := s.stats.count()
	if peerCount == 0 {
		peerCount = 1
	}
	if st.attempts >= 2*peerCount {
		s.setFail(fmt.Errorf("%w: chunk %d", ErrChunkAbandoned, ev.index))
		return
	}
	if len(s.inflight[ev.index]) == 0 {
		st.status = ChunkPending
		s.rarity.MarkPending(ev.index)
	}
}

// cancelOthers cancels every other outstanding request for index besides winner,
// as soon as one endgame response wins.
func (s *scheduler) cancelOthers(index uint32, winner common.NodeId) {
	reqs, ok := s.inflight[index]
	if !ok {
		return
	}
	for peerKey, req := range reqs {
		if peerKey != winner.String() {
			req.cancel()
		}
	}
}

// checkEndgame flips into endgame mode once completion reaches endgameThreshold.
// A single-chunk download never activates endgame, since completed/1 only
// reaches the threshold once the single chunk is already complete.
func (s *scheduler) checkEndgame() {
	if s.endgame || s.fd.ChunkCount == 0 {
		return
	}
	if float64(s.completedCount())/float64(s.fd.ChunkCount) >= endgameThreshold {
		s.endgame = true
		s.logger.Levelf(log.Info, "transfer: entering endgame mode at %d/%d chunks", s.completedCount(), s.fd.ChunkCount)
	}
}

// adaptConcurrency samples bandwidth each tick: +10% throughput vs the
// previous sample increases concurrency by 1, -10% decreases it, clamped to
// [MinConcurrency, MaxConcurrency].
func (s *scheduler) adaptConcurrency() {
	snap := s.stats.snapshot()
	var total int64
	for _, st := range snap {
		total += st.BytesDownloaded
	}
	now := time.Now()
	elapsed := now.Sub(s.lastSample)
	if elapsed <= 0 {
		return
	}
	rate := float64(total-s.lastBytes) / elapsed.Seconds()
	s.lastBytes = total
	s.lastSample = now

	if s.lastThroughput == 0 {
		s.lastThroughput = rate
		return
	}
	change := (rate - s.lastThroughput) / s.lastThroughput
	switch {
	case change >= 0.1:
		s.setConcurrency(s.concurrency + 1)
	case change <= -0.1:
		s.setConcurrency(s.concurrency - 1)
	}
	s.lastThroughput = rate
}

// setConcurrency adjusts the soft adaptive target within [MinConcurrency,
// MaxConcurrency]. The hard ceiling enforced by s.sem never changes; dispatch just
// stops issuing new fetches once s.active reaches the (possibly lower) target.
func (s *scheduler) setConcurrency(n int) {
	if n < s.opts.MinConcurrency {
		n = s.opts.MinConcurrency
	}
	if n > s.opts.MaxConcurrency {
		n = s.opts.MaxConcurrency
	}
	s.concurrency = n
}

func (s *scheduler) runContinuousDiscovery() {
	if s.stats.count() >= s.opts.MaxPeersToConnect {
		return
	}
	cands, err := s.discoverMore(s.ctx)
	if err != nil {
		s.logger.Levelf(log.Debug, "transfer: continuous discovery failed: %v", err)
		return
	}
	for _, c := range cands {
		if s.stats.count() >= s.opts.MaxPeersToConnect {
			return
		}
		s.peersMu.Lock()
		_, known := s.peers[c.NodeId.String()]
		s.peersMu.Unlock()
		if known {
			continue
		}
		go func(c PeerCandidate) {
			link, err := s.connectPeer(s.ctx, c)
			if err != nil {
				s.logger.Levelf(log.Debug, "transfer: continuous discovery connect to %s failed: %v", c.NodeId, err)
				return
			}
			s.AddPeer(c.NodeId, link)
		}(c)
	}
}

// dispatch assigns as much pending work as the semaphore budget allows. It always
// runs on the scheduler goroutine, so chunk-state, rarity, and inflight map
// mutation here is single-writer.
func (s *scheduler) dispatch() {
	if s.endgame {
		s.dispatchEndgame()
		return
	}
	for s.active < s.concurrency {
		if !s.sem.TryAcquire(1) {
			return
		}
		index, ok := s.rarity.RarestPending()
		if !ok {
			s.sem.Release(1)
			return
		}
		peerId, ok := s.pickPeerFor(index, nil)
		if !ok {
			s.sem.Release(1)
			return
		}
		s.startFetch(index, peerId)
	}
}

// dispatchEndgame requests every still-pending chunk from up to endgameFanout
// peers at once, outside the normal concurrency budget since the remaining work is
// small by construction.
func (s *scheduler) dispatchEndgame() {
	for index := uint32(0); index < s.fd.ChunkCount; index++ {
		st := &s.states[index]
		if st.status == ChunkComplete {
			continue
		}
		existing := s.inflight[index]
		need := endgameFanout - len(existing)
		for i := 0; i < need; i++ {
			if !s.sem.TryAcquire(1) {
				return
			}
			peerId, ok := s.pickPeerFor(index, existing)
			if !ok {
				s.sem.Release(1)
				break
			}
			s.startFetch(index, peerId)
			if existing == nil {
				existing = s.inflight[index]
			}
		}
	}
}

// pickPeerFor selects a candidate peer for index via weighted random
// selection, excluding peers already serving index (exclude may be nil).
func (s *scheduler) pickPeerFor(index uint32, exclude map[string]*inflight) (common.NodeId, bool) {
	holders := s.rarity.PeersHolding(index)
	var candidates []common.NodeId
	s.peersMu.Lock()
	if len(holders) == 0 {
		for key, link := range s.peers {
			if exclude != nil {
				if _, skip := exclude[key]; skip {
					continue
				}
			}
			candidates = append(candidates, link.id)
		}
	} else {
		for _, key := range holders {
			if exclude != nil {
				if _, skip := exclude[key]; skip {
					continue
				}
			}
			if link, ok := s.peers[key]; ok {
				candidates = append(candidates, link.id)
			}
		}
	}
	s.peersMu.Unlock()
	return s.stats.pickPeer(candidates)
}

// startFetch spawns the network-I/O-only worker goroutine for (index, peerId) and
// records its cancellation in the inflight map.
func (s *scheduler) startFetch(index uint32, peerId common.NodeId) {
	s.peersMu.Lock()
	link, ok := s.peers[peerId.String()]
	s.peersMu.Unlock()
	if !ok {
		return
	}

	s.states[index].status = ChunkInFlight
	s.rarity.MarkInFlight(index)
	s.active++
	ctx, cancel := context.WithCancel(s.ctx)
	if s.inflight[index] == nil {
		s.inflight[index] = make(map[string]*inflight)
	}
	s.inflight[index][peerId.String()] = &inflight{cancel: cancel, peer: peerId}

	go func() {
		defer s.sem.Release(1)
		start := time.Now()
		data, err := fetchChunk(ctx, link, s.fd.Hash, index, s.opts.PeerTimeout)
		elapsed := time.Since(start)
		var ev schedEvent
		if err != nil {
			if ctx.Err() != nil {
				return // cancelled because another endgame peer already won
			}
			ev = schedEvent{chunkFailed: &chunkFailedEvent{index: index, peer: peerId, err: err}}
		} else {
			ev = schedEvent{chunkDone: &chunkDoneEvent{index: index, peer: peerId, data: data, elapsed: elapsed}}
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
		}
	}()
}

func fetchChunk(ctx context.Context, link *peerLink, hash common.ContentHash, index uint32, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := link.RequestChunk(hash, index, timeout)
		ch <- result{data: data, err: err}
	}()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
