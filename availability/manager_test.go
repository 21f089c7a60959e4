package availability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dannyzb/dignat/common"
)

func idOf(b byte) common.NodeId {
	var id common.NodeId
	id[0] = b
	return id
}

func TestReportEscalation(t *testing.T) {
	m := NewManager(Config{})
	reported := idOf(1)
	hash := common.HashBytes([]byte("content"))

	r1, err := m.RecordReport(Report{Reporter: idOf(2), Reported: reported, Hash: hash})
	require.NoError(t, err)
	assert.Equal(t, StatusSuspect, r1.Status)
	assert.Equal(t, LevelLow, r1.Level)

	r2, err := m.RecordReport(Report{Reporter: idOf(3), Reported: reported, Hash: hash})
	require.NoError(t, err)
	r3, err := m.RecordReport(Report{Reporter: idOf(4), Reported: reported, Hash: hash})
	require.NoError(t, err)
	_ = r2

	assert.Len(t, r3.ReporterSet, 3)
	// Three neutral-reputation reporters: weight 1.4 each => weighted 4.2, which
	// is >=3 and <5 with >=3 reporters => suspect/medium.
	assert.Equal(t, StatusSuspect, r3.Status)
	assert.Equal(t, LevelMedium, r3.Level)
}

func TestReportIdempotence(t *testing.T) {
	m := NewManager(Config{})
	reported := idOf(1)
	reporter := idOf(2)
	hash := common.HashBytes([]byte("content"))

	r1, err := m.RecordReport(Report{Reporter: reporter, Reported: reported, Hash: hash})
	require.NoError(t, err)
	r2, err := m.RecordReport(Report{Reporter: reporter, Reported: reported, Hash: hash})
	require.NoError(t, err)

	assert.Len(t, r1.ReporterSet, 1)
	assert.Len(t, r2.ReporterSet, 1)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	m := NewManager(Config{})
	reported := idOf(1)
	hash := common.HashBytes([]byte("content"))
	_, err := m.RecordReport(Report{Reporter: idOf(2), Reported: reported, Hash: hash})
	require.NoError(t, err)

	first, ok := m.Get(reported, hash)
	require.True(t, ok)
	second, ok := m.Get(reported, hash)
	require.True(t, ok)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Level, second.Level)
	assert.Equal(t, first.WeightedCount, second.WeightedCount)
}

func TestInvalidReportRejected(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.RecordReport(Report{})
	require.ErrorIs(t, err, ErrConfigurationInvalid)
}

type fakeVerifier struct {
	result bool
}

func (f fakeVerifier) VerifyContent(common.NodeId, common.ContentHash) (bool, error) {
	return f.result, nil
}

func TestVerificationClearsReportsOnPositiveResult(t *testing.T) {
	m := NewManager(Config{EnableVerification: true})
	m.SetVerifier(fakeVerifier{result: true})

	reported := idOf(1)
	hash := common.HashBytes([]byte("content"))
	for _, reporter := range []byte{2, 3, 4} {
		_, err := m.RecordReport(Report{Reporter: idOf(reporter), Reported: reported, Hash: hash})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		rec, ok := m.Get(reported, hash)
		return ok && rec.Status == StatusAvailable
	}, time.Second, 10*time.Millisecond)
}
