package roles

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/anyhost/sv2relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptAll(protocol.Protocol, uint32, uint32) bool { return true }

func rejectAll(protocol.Protocol, uint32, uint32) bool { return false }

func TestCheckPairable_VersionRange(t *testing.T) {
	tests := []struct {
		name     string
		version  uint16
		min, max uint16
		want     PairResult
	}{
		{"exact single version", 2, 2, 2, Paired},
		{"lower bound inclusive", 2, 2, 5, Paired},
		{"upper bound inclusive", 5, 2, 5, Paired},
		{"inside range", 3, 2, 5, Paired},
		{"one below range", 1, 2, 5, VersionMismatch},
		{"one above range", 6, 2, 5, VersionMismatch},
		{"range above version", 2, 3, 5, VersionMismatch},
		{"inverted range", 3, 5, 2, VersionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := PairSettings{Protocol: protocol.MiningProtocol, MinVersion: tt.min, MaxVersion: tt.max}
			assert.Equal(t, tt.want, CheckPairable(tt.version, 0, settings, acceptAll))
		})
	}
}

func TestCheckPairable_BoundsRejectRegardlessOfFlags(t *testing.T) {
	for v := uint16(1); v < 50; v++ {
		lo, hi := v, v+3
		settings := PairSettings{Protocol: protocol.MiningProtocol, MinVersion: lo, MaxVersion: hi}
		for _, check := range []FlagChecker{acceptAll, rejectAll} {
			assert.False(t, IsPairable(lo-1, 0, settings, check))
			assert.False(t, IsPairable(hi+1, 0, settings, check))
		}
		assert.True(t, IsPairable(lo, 0, settings, acceptAll))
		assert.True(t, IsPairable(hi, 0, settings, acceptAll))
	}
}

func TestCheckPairable_FlagsMismatch(t *testing.T) {
	settings := PairSettings{Protocol: protocol.MiningProtocol, MinVersion: 2, MaxVersion: 2}
	res := CheckPairable(2, 0, settings, rejectAll)
	assert.Equal(t, FlagsMismatch, res)
	assert.ErrorIs(t, res.Err(), ErrFlagsMismatch)
	assert.ErrorIs(t, CheckPairable(1, 0, settings, rejectAll).Err(), ErrVersionMismatch)
	assert.NoError(t, CheckPairable(2, 0, settings, acceptAll).Err())
}

func TestCheckPairable_PassesTripleToChecker(t *testing.T) {
	var gotP protocol.Protocol
	var gotReq, gotOff uint32
	check := func(p protocol.Protocol, requested, offered uint32) bool {
		gotP, gotReq, gotOff = p, requested, offered
		return true
	}
	settings := PairSettings{Protocol: protocol.TemplateDistributionProtocol, MinVersion: 1, MaxVersion: 3, Flags: 0b101}
	require.True(t, IsPairable(2, 0b11, settings, check))
	assert.Equal(t, protocol.TemplateDistributionProtocol, gotP)
	assert.Equal(t, uint32(0b101), gotReq)
	assert.Equal(t, uint32(0b11), gotOff)
}

func TestBaseUpstream_Scenario(t *testing.T) {
	base := NewBaseUpstream(7, 2, protocol.FlagRequiresVersionRolling, protocol.MiningProtocol)
	up := &base
	compatible := PairSettings{Protocol: protocol.MiningProtocol, MinVersion: 2, MaxVersion: 2, Flags: protocol.FlagRequiresVersionRolling}
	assert.True(t, up.IsPairable(compatible))

	tooNew := compatible
	tooNew.MinVersion, tooNew.MaxVersion = 3, 5
	assert.False(t, up.IsPairable(tooNew))
	assert.Equal(t, VersionMismatch, up.Pair(tooNew))

	assert.True(t, up.Supports(protocol.MiningProtocol))
	assert.False(t, up.Supports(protocol.JobDeclarationProtocol))

	protos := up.SupportedProtocols()
	protos[0] = protocol.JobDeclarationProtocol
	assert.Equal(t, []protocol.Protocol{protocol.MiningProtocol}, up.SupportedProtocols(), "SupportedProtocols must return a copy")
	assert.Equal(t, uint32(7), up.ID())
}

func TestBaseUpstream_CustomChecker(t *testing.T) {
	up := NewBaseUpstream(1, 2, 0, protocol.MiningProtocol)
	up.SetFlagChecker(rejectAll)
	assert.Equal(t, FlagsMismatch, up.Pair(PairSettings{MinVersion: 1, MaxVersion: 3}))
	up.SetFlagChecker(nil)
	assert.Equal(t, Paired, up.Pair(PairSettings{MinVersion: 1, MaxVersion: 3}))
}

func TestHashRate_Saturates(t *testing.T) {
	var h HashRate
	h.AddHashRate(10)
	h.AddHashRate(5)
	assert.Equal(t, uint64(15), h.TotalHashRate())

	h.AddHashRate(math.MaxUint64 - 20)
	assert.Equal(t, uint64(math.MaxUint64-5), h.TotalHashRate())

	h.AddHashRate(100)
	assert.Equal(t, uint64(math.MaxUint64), h.TotalHashRate())
}

func TestNominalHashRate_Clamps(t *testing.T) {
	tests := []struct {
		name string
		rate float32
		want uint64
	}{
		{"zero", 0, 0},
		{"whole", 1500, 1500},
		{"fraction truncates", 2.75, 2},
		{"negative", -3, 0},
		{"nan", float32(math.NaN()), 0},
		{"above uint64", 3e38, math.MaxUint64},
		{"infinity", float32(math.Inf(1)), math.MaxUint64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NominalHashRate(tt.rate))
		})
	}
}

func TestHashRate_HugeNominalSaturates(t *testing.T) {
	var h HashRate
	h.AddHashRate(10)
	h.AddHashRate(NominalHashRate(3e38))
	assert.Equal(t, uint64(math.MaxUint64), h.TotalHashRate())
}

func TestSharedMapper_ConcurrentUse(t *testing.T) {
	m := NewSharedMapper()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := m.OnOpenChannel(uint32(i))
			_ = m.Len()
			got, err := m.Remove(id)
			assert.NoError(t, err)
			assert.Equal(t, uint32(i), got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}

func TestSharedMapper_Reset(t *testing.T) {
	m := NewSharedMapper()
	m.OnOpenChannel(4)
	m.OnOpenChannel(5)

	m.Reset()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, uint32(0), m.OnOpenChannel(6))

	_, err := m.Remove(1)
	assert.ErrorIs(t, err, ErrUnknownRequestID)
}

func TestRequestIDMapper_SequentialIDs(t *testing.T) {
	m := NewRequestIDMapper()
	for i := 0; i < 1000; i++ {
		require.Equal(t, uint32(i), m.OnOpenChannel(uint32(5000-i)))
	}
	assert.Equal(t, 1000, m.Len())
}

func TestRequestIDMapper_RoundTrip(t *testing.T) {
	m := NewRequestIDMapper()
	for _, original := range []uint32{0, 1, 42, math.MaxUint32} {
		id := m.OnOpenChannel(original)
		got, err := m.Remove(id)
		require.NoError(t, err)
		assert.Equal(t, original, got)
	}
	assert.Equal(t, 0, m.Len())
}

func TestRequestIDMapper_Scenario(t *testing.T) {
	m := NewRequestIDMapper()
	assert.Equal(t, uint32(0), m.OnOpenChannel(500))
	assert.Equal(t, uint32(1), m.OnOpenChannel(777))

	got, err := m.Remove(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(500), got)

	got, err = m.Remove(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(777), got)

	_, err = m.Remove(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRequestID)

	var unknown *UnknownRequestIDError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, uint32(0), unknown.UpstreamID)
}

func TestRequestIDMapper_NeverAllocated(t *testing.T) {
	m := NewRequestIDMapper()
	_, err := m.Remove(3)
	assert.ErrorIs(t, err, ErrUnknownRequestID)

	m.OnOpenChannel(9)
	got, err := m.Remove(1)
	assert.ErrorIs(t, err, ErrUnknownRequestID)
	assert.Zero(t, got)
	assert.Equal(t, 1, m.Len())
}

func TestRequestIDMapper_IDsNotReusedAfterRemove(t *testing.T) {
	m := NewRequestIDMapper()
	id := m.OnOpenChannel(1)
	_, err := m.Remove(id)
	require.NoError(t, err)
	assert.Equal(t, id+1, m.OnOpenChannel(2))
}

func TestRequestIDMapper_ZeroValueUsable(t *testing.T) {
	var m RequestIDMapper
	assert.Equal(t, uint32(0), m.OnOpenChannel(11))
	got, err := m.Remove(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), got)
}

func TestRequestIDMapper_WrapSkipsOutstanding(t *testing.T) {
	m := NewRequestIDMapper()
	// Ids 0 and 1 are still outstanding when the counter wraps.
	assert.Equal(t, uint32(0), m.OnOpenChannel(100))
	assert.Equal(t, uint32(1), m.OnOpenChannel(101))
	m.nextID = math.MaxUint32

	assert.Equal(t, uint32(math.MaxUint32), m.OnOpenChannel(200))
	assert.Equal(t, uint32(2), m.OnOpenChannel(201))

	got, err := m.Remove(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), got)

	got, err = m.Remove(math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), got)
}

type fakeDownstream struct{ data DownstreamData }

func (f fakeDownstream) DownstreamData() DownstreamData { return f.data }
func (fakeDownstream) MiningCapable()                   {}

func TestNullProvider_Panics(t *testing.T) {
	var up NullUpstream[fakeDownstream]
	var _ MiningUpstream[fakeDownstream, *NullSelector[fakeDownstream]] = up

	calls := map[string]func(){
		"Version":            func() { up.Version() },
		"Flags":              func() { up.Flags() },
		"SupportedProtocols": func() { up.SupportedProtocols() },
		"IsPairable":         func() { up.IsPairable(PairSettings{}) },
		"ID":                 func() { up.ID() },
		"Mapper":             func() { up.Mapper() },
		"RemoteSelector":     func() { up.RemoteSelector() },
		"TotalHashRate":      func() { up.TotalHashRate() },
		"AddHashRate":        func() { up.AddHashRate(1) },
		"DownstreamData":     func() { NullDownstream{}.DownstreamData() },
		"Downstreams":        func() { (&NullSelector[fakeDownstream]{}).Downstreams() },
	}
	for op, call := range calls {
		t.Run(op, func(t *testing.T) {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				err, ok := r.(error)
				require.True(t, ok)
				assert.ErrorIs(t, err, ErrUnreachable)
				assert.Contains(t, err.Error(), op)
			}()
			call()
		})
	}
}

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(NullUpstream[fakeDownstream]{}))
	assert.True(t, IsNull(&NullSelector[fakeDownstream]{}))
	assert.True(t, IsNull(NullDownstream{}))
	assert.False(t, IsNull(&BaseUpstream{}))
	assert.False(t, IsNull(fakeDownstream{}))
}

func TestOptional(t *testing.T) {
	none := None[*BaseUpstream]()
	_, ok := none.Get()
	assert.False(t, ok)
	assert.False(t, Optional[int]{}.Present())

	up := &BaseUpstream{id: 3}
	some := Some(up)
	got, ok := some.Get()
	require.True(t, ok)
	assert.Same(t, up, got)
}

func TestDownstreamDataFromSetup(t *testing.T) {
	setup := &protocol.SetupConnection{
		Protocol:   protocol.MiningProtocol,
		MinVersion: 2,
		MaxVersion: 2,
		Flags:      protocol.FlagRequiresStandardJobs | protocol.FlagRequiresVersionRolling,
	}
	data := DownstreamDataFromSetup(12, setup)
	assert.Equal(t, DownstreamData{ID: 12, HeaderOnly: true, VersionRolling: true}, data)

	settings := PairSettingsFromSetup(setup)
	assert.Equal(t, PairSettings{Protocol: protocol.MiningProtocol, MinVersion: 2, MaxVersion: 2, Flags: setup.Flags}, settings)
}
