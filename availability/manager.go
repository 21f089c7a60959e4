package availability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/anacrolix/log"

	"github.com/dannyzb/dignat/common"
)

// Verifier performs an active verification of reported content by actually
// attempting to fetch it from the reported peer.
// It lives on the transfer engine; availability only holds the interface, an
// explicit callback that breaks the discovery↔availability
// cycle (here: availability↔transfer).
type Verifier interface {
	VerifyContent(reported common.NodeId, hash common.ContentHash) (ok bool, err error)
}

// Config collects Manager construction-time settings.
type Config struct {
	// EnableVerification triggers an active Verifier call once a record reaches
	// LevelMedium.
	EnableVerification bool
	// VerificationRetryBudget bounds how many negative verifications are tolerated
	// before a record is forced to StatusUnavailable/LevelHigh regardless of the
	// weighted-count thresholds.
	VerificationRetryBudget int

	EnablePersistence bool
	PersistenceDir    string

	Logger log.Logger
}

func (c *Config) setDefaults() {
	if c.VerificationRetryBudget <= 0 {
		c.VerificationRetryBudget = 3
	}
}

type peerReputation struct {
	success int
	failure int
}

// score is the damped success ratio (success+1)/(success+failure+2).
func (r peerReputation) score() float64 {
	return float64(r.success+1) / float64(r.success+r.failure+2)
}

func (r peerReputation) weight() float64 {
	return 1 + r.score()*0.8
}

type recordState struct {
	reports              map[string]Report // keyed by reporter hex
	status               Status
	level                Level
	verificationAttempts int
	verified             bool
}

// Manager tracks per-(peer, hash) unavailability reports and reputations.
type Manager struct {
	cfg    Config
	logger log.Logger

	verifierMu sync.RWMutex
	verifier   Verifier

	mu          sync.Mutex
	records     map[string]*recordState   // key: reported|hash
	reputations map[common.NodeId]*peerReputation

	transMu     sync.Mutex
	transitions []Transition // ring buffer, most recent last
}

const transitionBufferCap = 256

// NewManager constructs a content availability manager.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:         cfg,
		logger:      cfg.Logger,
		records:     make(map[string]*recordState),
		reputations: make(map[common.NodeId]*peerReputation),
	}
	if cfg.EnablePersistence {
		m.load()
	}
	return m
}

// SetVerifier registers the active-verification collaborator. Must be called
// after both sides exist.
func (m *Manager) SetVerifier(v Verifier) {
	m.verifierMu.Lock()
	m.verifier = v
	m.verifierMu.Unlock()
}

func recordKey(reported common.NodeId, hash common.ContentHash) string {
	return reported.String() + "|" + hash.String()
}

func (m *Manager) reputationLocked(id common.NodeId) *peerReputation {
	rep, ok := m.reputations[id]
	if !ok {
		rep = &peerReputation{}
		m.reputations[id] = rep
	}
	return rep
}

// RecordReport submits a single unavailability report. It is
// idempotent: resubmitting the same (reporter, reported, hash) updates the
// existing entry's timestamp rather than growing the reporter set.
func (m *Manager) RecordReport(r Report) (ReputationRecord, error) {
	if err := validateReport(r); err != nil {
		return ReputationRecord{}, err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	key := recordKey(r.Reported, r.Hash)
	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		rec = &recordState{reports: make(map[string]Report)}
		m.records[key] = rec
	}
	rec.reports[r.Reporter.String()] = r
	snapshot := m.recomputeLocked(r.Reported, r.Hash, rec, time.Now())
	m.mu.Unlock()

	m.maybeVerify(r.Reported, r.Hash, snapshot)
	if m.cfg.EnablePersistence {
		m.persist()
	}
	return snapshot, nil
}

// recomputeLocked drops expired reports, recomputes weightedCount/status/level,
// and returns a snapshot. Status is a pure function of reporter set,
// weighted count, verification flag, and thresholds — recomputation is
// idempotent. Caller must hold m.mu.
func (m *Manager) recomputeLocked(reported common.NodeId, hash common.ContentHash, rec *recordState, now time.Time) ReputationRecord {
	for reporterHex, rep := range rec.reports {
		if now.Sub(rep.Timestamp) > ReportExpiration {
			delete(rec.reports, reporterHex)
		}
	}

	var weighted float64
	reporters := make([]common.NodeId, 0, len(rec.reports))
	for _, rep := range rec.reports {
		reputation := m.reputationLocked(rep.Reporter)
		weighted += reputation.weight()
		reporters = append(reporters, rep.Reporter)
	}
	sort.Slice(reporters, func(i, j int) bool { return reporters[i].Less(reporters[j]) })

	prevStatus := rec.status
	rec.status, rec.level = classify(weighted, len(reporters), rec.verified)
	if rec.status != prevStatus {
		m.appendTransition(Transition{Reported: reported, Hash: hash, From: prevStatus, To: rec.status, At: now})
	}

	return ReputationRecord{
		Status:               rec.status,
		Level:                rec.level,
		ReporterSet:          reporters,
		WeightedCount:        weighted,
		VerificationAttempts: rec.verificationAttempts,
		Verified:             rec.verified,
	}
}

// classify implements the status state machine. verified being true (a
// confirmed-unavailable active verification) forces the terminal unavailable/high
// state regardless of the weighted count, since the thresholds exist only
// to approximate what an actual verification settles definitively. Any non-empty
// reporter set is at least suspect/low: a single report's weight (at most 1.8)
// can never clear the low threshold on its own, but the report still counts.
func classify(weighted float64, uniqueReporters int, verified bool) (Status, Level) {
	if verified {
		return StatusUnavailable, LevelHigh
	}
	switch {
	case uniqueReporters == 0:
		return StatusAvailable, LevelNone
	case weighted < 3:
		return StatusSuspect, LevelLow
	case weighted < 5:
		if uniqueReporters >= 3 {
			return StatusSuspect, LevelMedium
		}
		return StatusSuspect, LevelLow
	default:
		if uniqueReporters >= 3 {
			return StatusUnavailable, LevelHigh
		}
		return StatusSuspect, LevelMedium
	}
}

// appendTransition pushes a transition onto the bounded ring buffer.
func (m *Manager) appendTransition(t Transition) {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.transitions = append(m.transitions, t)
	if len(m.transitions) > transitionBufferCap {
		m.transitions = m.transitions[len(m.transitions)-transitionBufferCap:]
	}
}

// RecentTransitions returns the most recent status transitions, oldest first,
// useful for a caller to explain why a peer was dropped.
func (m *Manager) RecentTransitions() []Transition {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// maybeVerify triggers an active verification once a record reaches LevelMedium,
// subject to EnableVerification and the retry budget.
func (m *Manager) maybeVerify(reported common.NodeId, hash common.ContentHash, snapshot ReputationRecord) {
	if !m.cfg.EnableVerification || snapshot.Level == LevelNone || snapshot.Level == LevelLow {
		return
	}
	m.verifierMu.RLock()
	verifier := m.verifier
	m.verifierMu.RUnlock()
	if verifier == nil {
		return
	}

	key := recordKey(reported, hash)
	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok || rec.verified || rec.verificationAttempts >= m.cfg.VerificationRetryBudget {
		m.mu.Unlock()
		return
	}
	rec.verificationAttempts++
	attempt := rec.verificationAttempts
	m.mu.Unlock()

	go func() {
		ok, err := verifier.VerifyContent(reported, hash)
		if err != nil {
			m.logger.Levelf(log.Debug, "availability: verification of %s for %s failed: %v", reported, hash, err)
			return
		}
		m.applyVerification(reported, hash, ok, attempt)
	}()
}

// applyVerification records a verification outcome: a positive result clears all
// reports and raises the reporter's reputation (success), a negative result
// confirms unavailability once the retry budget is exhausted.
func (m *Manager) applyVerification(reported common.NodeId, hash common.ContentHash, positive bool, attempt int) {
	key := recordKey(reported, hash)
	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	prevStatus := rec.status
	if positive {
		for reporterHex := range rec.reports {
			id, err := common.ParseNodeId(reporterHex)
			if err == nil {
				m.reputationLocked(id).success++
			}
		}
		rec.reports = make(map[string]Report)
		rec.verificationAttempts = 0
		rec.verified = false
		rec.status, rec.level = StatusAvailable, LevelNone
	} else if attempt >= m.cfg.VerificationRetryBudget {
		rec.verified = true
		rec.status, rec.level = classify(0, 0, true)
	} else {
		// Retry budget not yet exhausted: fall back to the weighted-count
		// classification rather than forcing a verdict early.
		var weighted float64
		reporters := 0
		for _, rep := range rec.reports {
			weighted += m.reputationLocked(rep.Reporter).weight()
			reporters++
		}
		rec.status, rec.level = classify(weighted, reporters, false)
	}
	if rec.status != prevStatus {
		m.appendTransition(Transition{Reported: reported, Hash: hash, From: prevStatus, To: rec.status, At: time.Now()})
	}
	m.mu.Unlock()
	if m.cfg.EnablePersistence {
		m.persist()
	}
}

// Get returns the current reputation record for (reported, hash), if any.
func (m *Manager) Get(reported common.NodeId, hash common.ContentHash) (ReputationRecord, bool) {
	key := recordKey(reported, hash)
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return ReputationRecord{}, false
	}
	return m.recomputeLocked(reported, hash, rec, time.Now()), true
}

// PeerReputation returns the current success/failure-damped score for id,
// defaulting to the neutral 0.5 a peer with no history gets.
func (m *Manager) PeerReputation(id common.NodeId) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reputationLocked(id).score()
}

// RecordFailure penalizes a peer's reputation directly, e.g. when a download-time
// connection or chunk-verification failure occurs outside the report pipeline.
func (m *Manager) RecordFailure(id common.NodeId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reputationLocked(id).failure++
}

// --- persistence ---

type persistedReport struct {
	Reporter  string    `json:"reporter"`
	Timestamp time.Time `json:"timestamp"`
	Reason    Reason    `json:"reason"`
}

type persistedRecord struct {
	Reports              []persistedReport `json:"reports"`
	VerificationAttempts int               `json:"verificationAttempts"`
	Verified             bool              `json:"verified"`
}

type persistedReputation struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

func (m *Manager) persist() {
	if m.cfg.PersistenceDir == "" {
		return
	}
	m.mu.Lock()
	records := make(map[string]persistedRecord, len(m.records))
	for key, rec := range m.records {
		pr := persistedRecord{VerificationAttempts: rec.verificationAttempts, Verified: rec.verified}
		for reporterHex, rep := range rec.reports {
			pr.Reports = append(pr.Reports, persistedReport{Reporter: reporterHex, Timestamp: rep.Timestamp, Reason: rep.Reason})
		}
		sort.Slice(pr.Reports, func(i, j int) bool { return pr.Reports[i].Reporter < pr.Reports[j].Reporter })
		records[key] = pr
	}
	reputations := make(map[string]persistedReputation, len(m.reputations))
	for id, rep := range m.reputations {
		reputations[id.String()] = persistedReputation{Success: rep.success, Failure: rep.failure}
	}
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.PersistenceDir, "content-availability")
	writeJSON(filepath.Join(dir, "records.json"), records, m.logger)
	writeJSON(filepath.Join(dir, "reputations.json"), reputations, m.logger)
}

func (m *Manager) load() {
	dir := filepath.Join(m.cfg.PersistenceDir, "content-availability")

	var records map[string]persistedRecord
	if readJSON(filepath.Join(dir, "records.json"), &records) {
		m.mu.Lock()
		for key, pr := range records {
			rec := &recordState{reports: make(map[string]Report), verificationAttempts: pr.VerificationAttempts, verified: pr.Verified}
			for _, r := range pr.Reports {
				id, err := common.ParseNodeId(r.Reporter)
				if err != nil {
					continue
				}
				rec.reports[r.Reporter] = Report{Reporter: id, Timestamp: r.Timestamp, Reason: r.Reason}
			}
			m.records[key] = rec
		}
		m.mu.Unlock()
	}

	var reputations map[string]persistedReputation
	if readJSON(filepath.Join(dir, "reputations.json"), &reputations) {
		m.mu.Lock()
		for idHex, rep := range reputations {
			id, err := common.ParseNodeId(idHex)
			if err != nil {
				continue
			}
			m.reputations[id] = &peerReputation{success: rep.Success, failure: rep.Failure}
		}
		m.mu.Unlock()
	}
}

func writeJSON(path string, v any, logger log.Logger) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Levelf(log.Warning, "availability: marshal failed for %s: %v", path, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Levelf(log.Warning, "availability: mkdir failed for %s: %v", path, err)
		return
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		logger.Levelf(log.Warning, "availability: write failed for %s: %v", path, err)
	}
}

func readJSON(path string, v any) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return json.Unmarshal(b, v) == nil
}
