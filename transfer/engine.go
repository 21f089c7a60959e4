package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/dannyzb/dignat/availability"
	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/discovery"
	"github.com/dannyzb/dignat/nat"
)

// PeerCandidate is one entry of the peer list DownloadFile is seeded with: an
// address (and, if already known, a NodeId) the NAT traversal manager should try
// to connect to.
type PeerCandidate struct {
	NodeId common.NodeId
	Addr   common.Addr
}

// connectionPriorityCount is the connection-phase fan-out: the engine
// opens transports to this many peers in parallel before proceeding, then
// opportunistically to the rest without blocking.
const connectionPriorityCount = 3

// EngineConfig collects an Engine's shared collaborators — the NAT traversal
// manager, the peer discovery manager, and (optionally) the content availability
// manager. The transfer engine consumes all three without owning any of them.
type EngineConfig struct {
	LocalId     common.NodeId
	NAT         *nat.Manager
	Discovery   *discovery.Manager
	Availability *availability.Manager // nil disables active-verification wiring

	Logger log.Logger
}

// Engine downloads files from multiple peers in parallel. One Engine is shared
// across downloads; each DownloadFile call owns its own scheduler, storage, and
// stats table.
type Engine struct {
	cfg EngineConfig

	// contentCache is the engine's read-through cache of discovery's canonical
	// ContentId->ContentHash map; the engine only writes back on a resolution miss.
	contentCache *common.ContentMap
}

// NewEngine constructs a transfer engine over the given shared collaborators. If
// cfg.Availability is non-nil, the engine registers itself as the verifier the
// availability manager calls on escalation to LevelMedium.
func NewEngine(cfg EngineConfig) *Engine {
	if reflect.DeepEqual(cfg.Logger, log.Logger{}) {
		cfg.Logger = log.Default
	}
	e := &Engine{cfg: cfg, contentCache: common.NewContentMap()}
	if cfg.Availability != nil {
		cfg.Availability.SetVerifier(e)
	}
	return e
}

// resolveContentId maps contentId to its ContentHash, falling back to treating
// contentId as the hash itself if no mapping exists.
func (e *Engine) resolveContentId(contentId string) (common.ContentHash, error) {
	if e.cfg.Discovery != nil {
		if h, ok := e.cfg.Discovery.HashForContent(contentId); ok {
			return h, nil
		}
	}
	if h, ok := e.contentCache.HashForContent(contentId); ok {
		return h, nil
	}
	if h, err := common.ParseContentHash(contentId); err == nil {
		_ = e.contentCache.Add(contentId, h)
		return h, nil
	}
	return common.ContentHash{}, fmt.Errorf("%w: content id %q does not resolve to a known hash", ErrConfigurationInvalid, contentId)
}

// DownloadFile is the engine's entry point. peers seeds the initial
// candidate set; additional peers may be added during the download if
// opts.EnableContinuousDiscovery is set and a discovery manager is configured.
func (e *Engine) DownloadFile(ctx context.Context, peers []PeerCandidate, contentId string, opts Options) (*DownloadResult, error) {
	opts.setDefaults()
	if err := validateOptions(peers); err != nil {
		return nil, err
	}
	hash, err := e.resolveContentId(contentId)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	links, rest, err := e.connectInitial(ctx, peers, opts)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: no peer accepted a connection", ErrInsufficientPeers)
	}
	defer func() {
		for _, l := range links {
			l.link.Close()
		}
	}()

	fd, err := e.negotiateMetadata(links, hash, opts.PeerTimeout)
	if err != nil {
		return nil, err
	}

	storage, err := newChunkStorage(filepath.Join(opts.WorkDir, hash.String()+".chunks"), fd)
	if err != nil {
		return nil, err
	}

	sched := newScheduler(ctx, fd, storage, opts, e.cfg.Logger)
	defer sched.cancel()
	sched.discoverMore = func(ctx context.Context) ([]PeerCandidate, error) {
		return e.findMorePeers(ctx, hash, opts.MaxPeersToConnect)
	}
	sched.connectPeer = func(ctx context.Context, cand PeerCandidate) (*peerLink, error) {
		return e.connectOne(ctx, cand, opts)
	}

	for _, l := range links {
		sched.AddPeer(l.id, l.link)
	}
	// Opportunistic remainder: connect without blocking the download; successes
	// join the peer set through the same AddPeer path.
	for _, p := range rest {
		go func(p PeerCandidate) {
			link, err := e.connectOne(sched.ctx, p, opts)
			if err != nil {
				e.cfg.Logger.Levelf(log.Debug, "transfer: connect to %s failed: %v", p.Addr, err)
				return
			}
			sched.AddPeer(p.NodeId, link)
		}(p)
	}

	runErr := sched.Run()
	defer sched.closePeers()
	if runErr != nil {
		storage.Abandon()
		e.reportFailureOnIntegrity(runErr, links, hash)
		return nil, runErr
	}

	finalPath := filepath.Join(opts.WorkDir, hash.String())
	if err := storage.VerifyAndFinalize(finalPath); err != nil {
		storage.Abandon()
		e.reportFailureOnIntegrity(err, links, hash)
		return nil, err
	}
	// Success: the temp chunk directory held only the now-renamed part file, so
	// removing it discards no chunk data.
	_ = os.RemoveAll(storage.dir)

	elapsed := time.Since(start)
	stats := sched.stats.snapshot()
	methods := make(map[string]nat.Method, len(stats))
	var totalBytes int64
	for key, s := range stats {
		methods[key] = s.Method
		totalBytes += s.BytesDownloaded
	}
	avgSpeed := float64(0)
	if elapsed > 0 {
		avgSpeed = float64(totalBytes) / elapsed.Seconds()
	}
	e.cfg.Logger.Levelf(log.Info, "transfer: download of %s complete: %s in %s (%s/s)",
		hash, humanize.Bytes(uint64(totalBytes)), elapsed, humanize.Bytes(uint64(avgSpeed)))

	return &DownloadResult{
		Path:              finalPath,
		PeerStats:         stats,
		AverageSpeed:      avgSpeed,
		TotalTime:         elapsed,
		ConnectionMethods: methods,
	}, nil
}

type connectedLink struct {
	id   common.NodeId
	link *peerLink
}

// connectInitial opens transports to a priority subset of
// connectionPriorityCount peers in parallel and returns the remainder for the
// caller to connect opportunistically once the download is underway.
func (e *Engine) connectInitial(ctx context.Context, peers []PeerCandidate, opts Options) ([]connectedLink, []PeerCandidate, error) {
	priority := peers
	rest := []PeerCandidate(nil)
	if len(peers) > connectionPriorityCount {
		priority = peers[:connectionPriorityCount]
		rest = peers[connectionPriorityCount:]
	}

	type outcome struct {
		link *connectedLink
	}
	results := make(chan outcome, len(priority))
	for _, p := range priority {
		go func(p PeerCandidate) {
			link, err := e.connectOne(ctx, p, opts)
			if err != nil {
				e.cfg.Logger.Levelf(log.Debug, "transfer: connect to %s failed: %v", p.Addr, err)
				results <- outcome{}
				return
			}
			results <- outcome{link: &connectedLink{id: p.NodeId, link: link}}
		}(p)
	}

	var out []connectedLink
	for i := 0; i < len(priority); i++ {
		if r := <-results; r.link != nil {
			out = append(out, *r.link)
		}
	}
	return out, rest, nil
}

func (e *Engine) connectOne(ctx context.Context, cand PeerCandidate, opts Options) (*peerLink, error) {
	connCtx, cancel := context.WithTimeout(ctx, opts.PeerTimeout)
	defer cancel()
	var natOpts nat.Options
	if cand.Addr.Port != 0 {
		natOpts.KnownAddr = &cand.Addr
	}
	result, err := e.cfg.NAT.Connect(connCtx, e.cfg.LocalId, cand.NodeId, natOpts)
	if err != nil {
		return nil, err
	}
	return newPeerLink(cand.NodeId, result.Conn, result.Method), nil
}

// negotiateMetadata requests file metadata from connected peers in sequence
// until one responds.
func (e *Engine) negotiateMetadata(links []connectedLink, hash common.ContentHash, timeout time.Duration) (FileDescriptor, error) {
	for _, l := range links {
		fd, err := l.link.RequestMetadata(hash, timeout)
		if err != nil {
			e.cfg.Logger.Levelf(log.Debug, "transfer: metadata request to %s failed: %v", l.id, err)
			continue
		}
		return fd, nil
	}
	return FileDescriptor{}, ErrInsufficientPeers
}

// findMorePeers queries the discovery manager for additional candidates for hash,
// used by the scheduler's continuous-discovery tick.
func (e *Engine) findMorePeers(ctx context.Context, hash common.ContentHash, maxPeers int) ([]PeerCandidate, error) {
	if e.cfg.Discovery == nil {
		return nil, nil
	}
	infoHash := common.NewInfoHashFromContentHash(hash)
	recs, err := e.cfg.Discovery.FindPeers(ctx, infoHash, maxPeers, 10*time.Second)
	if err != nil {
		return nil, err
	}
	out := make([]PeerCandidate, 0, len(recs))
	for _, r := range recs {
		out = append(out, PeerCandidate{NodeId: r.NodeId, Addr: r.Addr})
	}
	return out, nil
}

// reportFailureOnIntegrity submits a content-availability report for every
// connected peer when a download fails with an integrity mismatch, feeding the
// negative signal back into discovery ranking.
func (e *Engine) reportFailureOnIntegrity(err error, links []connectedLink, hash common.ContentHash) {
	if e.cfg.Availability == nil || !errors.Is(err, ErrIntegrityFailed) {
		return
	}
	for _, l := range links {
		_, _ = e.cfg.Availability.RecordReport(availability.Report{
			Reporter: e.cfg.LocalId,
			Reported: l.id,
			Hash:     hash,
			Reason:   availability.ReasonHashMismatch,
		})
	}
}

// VerifyContent implements availability.Verifier: an active verification attempts
// a real chunk fetch from the reported peer for the reported hash. It connects fresh (the peer may not currently be part of
// any in-progress download) with no known address — every traversal method except
// MethodDirect rendezvouses purely on NodeIds via the signaling overlay, so the
// NAT manager's registry-preferred method or hole-punch/ICE fallbacks still apply
// — requests chunk 0, and treats a successful non-empty response as positive.
func (e *Engine) VerifyContent(reported common.NodeId, hash common.ContentHash) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	link, err := e.connectOne(ctx, PeerCandidate{NodeId: reported}, Options{PeerTimeout: 15 * time.Second})
	if err != nil {
		return false, err
	}
	defer link.Close()

	fd, err := link.RequestMetadata(hash, 10*time.Second)
	if err != nil {
		return false, nil // peer didn't even answer metadata: confirms unavailable, not an error
	}
	if fd.ChunkCount == 0 {
		return true, nil
	}
	data, err := link.RequestChunk(hash, 0, 10*time.Second)
	if err != nil || len(data) == 0 {
		return false, nil
	}
	return true, nil
}
