package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/dignat/common"
	"github.com/dannyzb/dignat/overlay"
)

// Wire shapes for the availability paths on the signaling overlay.
type reportWire struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type peerStatusWire struct {
	Reporter  string    `json:"reporter"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func reportPath(infoHashHex, reportedHex, reporterHex string) string {
	return fmt.Sprintf("dig-reports/%s/%s/%s", infoHashHex, reportedHex, reporterHex)
}

func peerStatusPath(infoHashHex, peerHex string) string {
	return fmt.Sprintf("dig-peer-status/%s/%s", infoHashHex, peerHex)
}

// Announcer ties a Manager to the signaling overlay: it re-announces this node's
// own available content until its TTL lapses, publishes outgoing reports, and
// ingests other nodes' reports into the Manager.
type Announcer struct {
	mgr    *Manager
	graph  overlay.Graph
	self   common.NodeId
	logger log.Logger

	mu      sync.Mutex
	content map[string]time.Time // infohash hex -> time it became (or was refreshed as) available
	sub     overlay.Subscription
	cancel  context.CancelFunc
}

// NewAnnouncer constructs an announcer for mgr over graph.
func NewAnnouncer(mgr *Manager, graph overlay.Graph, self common.NodeId, logger log.Logger) *Announcer {
	return &Announcer{
		mgr:     mgr,
		graph:   graph,
		self:    self,
		logger:  logger,
		content: make(map[string]time.Time),
	}
}

// Start subscribes to remote reports and begins the reannounce loop.
func (a *Announcer) Start(ctx context.Context) error {
	sub, err := a.graph.Subscribe(ctx, "dig-reports/", true, a.onRemoteReport)
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.sub = sub
	a.cancel = cancel
	a.mu.Unlock()

	go a.reannounceLoop(loopCtx)
	return nil
}

// AddContent marks infoHash as available from this node and announces it. The
// announcement repeats every ReannounceInterval until ContentTTL elapses without a
// refresh.
func (a *Announcer) AddContent(ctx context.Context, infoHashHex string) error {
	infoHashHex = strings.ToLower(infoHashHex)
	if !validInfoHashHex(infoHashHex) {
		return fmt.Errorf("%w: infohash must be 40 or 64 hex chars", ErrConfigurationInvalid)
	}
	a.mu.Lock()
	a.content[infoHashHex] = time.Now()
	a.mu.Unlock()
	return a.announceOne(ctx, infoHashHex)
}

// RemoveContent stops re-announcing infoHash.
func (a *Announcer) RemoveContent(infoHashHex string) {
	a.mu.Lock()
	delete(a.content, strings.ToLower(infoHashHex))
	a.mu.Unlock()
}

func (a *Announcer) announceOne(ctx context.Context, infoHashHex string) error {
	payload, err := json.Marshal(peerStatusWire{
		Reporter:  a.self.String(),
		Status:    string(StatusAvailable),
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	return a.graph.Put(ctx, peerStatusPath(infoHashHex, a.self.String()), payload)
}

func (a *Announcer) reannounceLoop(ctx context.Context) {
	t := time.NewTicker(ReannounceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			a.mu.Lock()
			due := make([]string, 0, len(a.content))
			for hash, since := range a.content {
				if now.Sub(since) > ContentTTL {
					delete(a.content, hash)
					continue
				}
				due = append(due, hash)
			}
			a.mu.Unlock()
			for _, hash := range due {
				if err := a.announceOne(ctx, hash); err != nil {
					a.logger.Levelf(log.Debug, "availability: reannounce of %s failed: %v", hash, err)
				}
			}
		}
	}
}

// PublishReport records r locally and publishes it on the overlay so other nodes
// can factor it into their own rankings.
func (a *Announcer) PublishReport(ctx context.Context, r Report) (ReputationRecord, error) {
	snapshot, err := a.mgr.RecordReport(r)
	if err != nil {
		return snapshot, err
	}
	payload, err := json.Marshal(reportWire{Timestamp: r.Timestamp, Status: string(StatusUnavailable)})
	if err != nil {
		return snapshot, err
	}
	path := reportPath(r.Hash.String(), r.Reported.String(), r.Reporter.String())
	if err := a.graph.Put(ctx, path, payload); err != nil {
		// Overlay publication is best-effort; the local record already holds.
		a.logger.Levelf(log.Debug, "availability: report publish failed: %v", err)
	}
	return snapshot, nil
}

// onRemoteReport ingests a report another node published at
// dig-reports/<infoHash>/<reported>/<reporter>.
func (a *Announcer) onRemoteReport(path string, value []byte) {
	parts := strings.Split(strings.TrimPrefix(path, "dig-reports/"), "/")
	if len(parts) != 3 {
		return
	}
	infoHashHex, reportedHex, reporterHex := parts[0], parts[1], parts[2]
	if !validInfoHashHex(infoHashHex) {
		return
	}
	reporter, err := common.ParseNodeId(reporterHex)
	if err != nil || reporter == a.self {
		return
	}
	reported, err := common.ParseNodeId(reportedHex)
	if err != nil {
		return
	}
	hash, err := common.ParseContentHash(infoHashHex)
	if err != nil {
		// Legacy 40-hex infohashes don't map onto a ContentHash; skip them for
		// reputation purposes.
		return
	}
	var wire reportWire
	if json.Unmarshal(value, &wire) != nil {
		return
	}
	if _, err := a.mgr.RecordReport(Report{
		Reporter:  reporter,
		Reported:  reported,
		Hash:      hash,
		Timestamp: wire.Timestamp,
	}); err != nil {
		a.logger.Levelf(log.Debug, "availability: remote report rejected: %v", err)
	}
}

// Close stops the reannounce loop and the report subscription.
func (a *Announcer) Close() error {
	a.mu.Lock()
	sub, cancel := a.sub, a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}
