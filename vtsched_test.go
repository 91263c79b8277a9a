package vtsched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenstream/vtsched/stream"
)

// recording collects (elapsed, value) pairs a callback appends, guarded by a
// mutex since callbacks may run on a goroutine the test doesn't control
// directly.
type recording struct {
	mu   sync.Mutex
	rows []recordedRow
}

type recordedRow struct {
	elapsed time.Duration
	value   any
}

func (r *recording) add(elapsed time.Duration, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, recordedRow{elapsed: elapsed, value: value})
}

func (r *recording) snapshot() []recordedRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedRow, len(r.rows))
	copy(out, r.rows)
	return out
}

func intSeq(start time.Time, n int) func(func(stream.Event) bool) {
	return func(yield func(stream.Event) bool) {
		for i := 0; i < n; i++ {
			if !yield(stream.Event{Time: start.Add(time.Duration(i) * time.Second), Payload: i}) {
				return
			}
		}
	}
}

const tolerance = 200 * time.Millisecond

func TestRunWithNoStreamsReturnsImmediately(t *testing.T) {
	start := time.Now()
	err := Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunWithEmptySourcesCompletesPromptly(t *testing.T) {
	s := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	def := stream.Definition{
		Callback: stream.Callback(func(ctx context.Context, eventTime time.Time, payload any) error { return nil }),
	}
	strm := ProcessStream(def, stream.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := Run(ctx, []Stream{strm}, WithStartTime(s))
	require.NoError(t, err)
}

// Scenario 1: past-only fast-forward.
func TestScenarioPastOnlyFastForward(t *testing.T) {
	s := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &recording{}

	def := stream.Definition{
		Callback: stream.Callback(func(ctx context.Context, eventTime time.Time, payload any) error {
			rec.add(Now(ctx).Sub(s), payload)
			return nil
		}),
		Past: intSeq(s, 10),
	}
	strm := ProcessStream(def, stream.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, []Stream{strm}, WithStartTime(s)))

	rows := rec.snapshot()
	require.Len(t, rows, 10)
	for i, row := range rows {
		assert.Equal(t, i, row.value)
		assert.InDelta(t, float64(i), row.elapsed.Seconds(), tolerance.Seconds())
	}
}

// Scenario 2: sleep inside callback.
func TestScenarioSleepInsideCallback(t *testing.T) {
	s := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &recording{}

	def := stream.Definition{
		Callback: stream.Callback(func(ctx context.Context, eventTime time.Time, payload any) error {
			require.NoError(t, Sleep(ctx, time.Second))
			rec.add(Now(ctx).Sub(s), payload)
			return nil
		}),
		Past: intSeq(s, 10),
	}
	strm := ProcessStream(def, stream.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, []Stream{strm}, WithStartTime(s)))

	rows := rec.snapshot()
	require.Len(t, rows, 10)
	for i, row := range rows {
		assert.Equal(t, i, row.value)
		assert.InDelta(t, float64(i+1), row.elapsed.Seconds(), tolerance.Seconds())
	}
}

// Scenario 3: deferred call inside callback.
func TestScenarioDeferredInsideCallback(t *testing.T) {
	s := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &recording{}

	def := stream.Definition{
		Callback: stream.Callback(func(ctx context.Context, eventTime time.Time, payload any) error {
			v := payload
			return CallLater(ctx, time.Second, func(ctx context.Context) error {
				rec.add(Now(ctx).Sub(s), v)
				return nil
			})
		}),
		Past: intSeq(s, 10),
	}
	strm := ProcessStream(def, stream.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, []Stream{strm}, WithStartTime(s)))

	rows := rec.snapshot()
	require.Len(t, rows, 10)
	for i, row := range rows {
		assert.Equal(t, i, row.value)
		assert.InDelta(t, float64(i+1), row.elapsed.Seconds(), tolerance.Seconds())
	}
}

// Scenario 4: start-time filter.
func TestScenarioStartTimeFilter(t *testing.T) {
	s := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	filterStart := s.Add(3 * time.Second)
	rec := &recording{}

	def := stream.Definition{
		Callback: stream.Callback(func(ctx context.Context, eventTime time.Time, payload any) error {
			rec.add(Now(ctx).Sub(s), payload)
			return nil
		}),
		Past: intSeq(s, 10),
	}
	strm := ProcessStream(def, stream.Options{StartTime: &filterStart})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, []Stream{strm}, WithStartTime(s)))

	rows := rec.snapshot()
	require.Len(t, rows, 7)
	for i, row := range rows {
		assert.Equal(t, i+3, row.value)
	}
}

// Scenario 5: end-time filter.
func TestScenarioEndTimeFilter(t *testing.T) {
	s := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	filterEnd := s.Add(4 * time.Second)
	rec := &recording{}

	def := stream.Definition{
		Callback: stream.Callback(func(ctx context.Context, eventTime time.Time, payload any) error {
			rec.add(Now(ctx).Sub(s), payload)
			return nil
		}),
		Past: intSeq(s, 10),
	}
	strm := ProcessStream(def, stream.Options{EndTime: &filterEnd})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, []Stream{strm}, WithStartTime(s)))

	rows := rec.snapshot()
	require.Len(t, rows, 4)
	for i, row := range rows {
		assert.Equal(t, i, row.value)
	}
}

// Scenario 6: timer invoked exactly N times.
func TestScenarioTimerExactInvocationCount(t *testing.T) {
	s := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	end := s.Add(10 * time.Second)

	var mu sync.Mutex
	var count int

	tm := Timer(time.Second, func(ctx context.Context) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, s, &end)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, []Stream{tm}, WithStartTime(s)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}

// Scenario 7: crossover from history fast-forward to live pacing.
func TestScenarioCrossover(t *testing.T) {
	s := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &recording{}
	var liveStartedAt time.Time

	live := newPacedSource([]string{"name-2", "name-3", "name-4"}, 80*time.Millisecond)

	def := stream.Definition{
		Callback: stream.Callback(func(ctx context.Context, eventTime time.Time, payload any) error {
			rec.add(time.Duration(0), payload)
			return nil
		}),
		Past: func(yield func(stream.Event) bool) {
			if !yield(stream.Event{Time: s.Add(-60 * time.Second), Payload: "name-0"}) {
				return
			}
			yield(stream.Event{Time: s.Add(-59 * time.Second), Payload: "name-1"})
		},
		Live:        live,
		OnLiveStart: func() { liveStartedAt = time.Now() },
	}
	strm := ProcessStream(def, stream.Options{})

	wallStart := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, Run(ctx, []Stream{strm}, WithStartTime(s)))

	rows := rec.snapshot()
	require.Len(t, rows, 5)
	assert.Equal(t, "name-0", rows[0].value)
	assert.Equal(t, "name-1", rows[1].value)
	assert.Equal(t, "name-2", rows[2].value)
	assert.Equal(t, "name-3", rows[3].value)
	assert.Equal(t, "name-4", rows[4].value)

	require.False(t, liveStartedAt.IsZero())
	assert.Less(t, liveStartedAt.Sub(wallStart), 500*time.Millisecond)
}

// pacedSource emits its names one at a time, spaced interval apart in real
// time, then closes — the Go stand-in for a live feed in scenario 7.
type pacedSource struct {
	names    []string
	interval time.Duration
}

func newPacedSource(names []string, interval time.Duration) *pacedSource {
	return &pacedSource{names: names, interval: interval}
}

func (p *pacedSource) Events(ctx context.Context) <-chan stream.LiveEvent {
	out := make(chan stream.LiveEvent)
	go func() {
		defer close(out)
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for _, name := range p.names {
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
			select {
			case out <- stream.LiveEvent{Event: stream.Event{Time: time.Now(), Payload: name}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
