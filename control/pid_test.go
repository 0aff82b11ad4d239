package control

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const tick = 100 * time.Millisecond

func TestPIDProportionalOnlyClamps(t *testing.T) {
	mock := clock.NewMock()
	pid := NewPID(Gains{Kp: 2}, Bounds{Min: -10, Max: 10}, WithClock(mock))
	cases := []struct {
		err, want float64
	}{
		{3, 6},
		{7, 10},
		{-8, -10},
		{0, 0},
	}
	for _, c := range cases {
		mock.Add(tick)
		assert.Equal(t, c.want, pid.Update(c.err), "error %g", c.err)
	}
}

func TestPIDInvertedBoundsAreSwapped(t *testing.T) {
	pid := NewPID(Gains{Kp: 1}, Bounds{Min: 100, Max: 0})
	assert.Equal(t, Bounds{Min: 0, Max: 100}, pid.Bounds())
}

func TestPIDOutputAlwaysWithinBounds(t *testing.T) {
	mock := clock.NewMock()
	pid := NewPID(Gains{Kp: 3, Ki: 2, Kd: 0.5}, Bounds{Min: 0, Max: 100}, WithClock(mock))
	for i := 0; i < 200; i++ {
		mock.Add(tick)
		e := 80 * math.Sin(float64(i)/7)
		out := pid.Update(e)
		require.GreaterOrEqual(t, out, 0.)
		require.LessOrEqual(t, out, 100.)
	}
}

func TestPIDAntiWindup(t *testing.T) {
	mock := clock.NewMock()
	pid := NewPID(Gains{Kp: 1, Ki: 0.1, Kd: 0.01}, Bounds{Min: 0, Max: 100}, WithClock(mock))

	// spot at 200 px, target 256 px, saturated for 50 simulated seconds
	var out float64
	for i := 0; i < 500; i++ {
		mock.Add(tick)
		out = pid.Update(56)
	}
	assert.Equal(t, 100., out)
	// integral saturation point is (100-56)/0.1
	assert.LessOrEqual(t, pid.Integral(), 440+1e-9)

	mock.Add(tick)
	before := pid.Integral()
	out = pid.Update(10)
	assert.Less(t, out, 100.)
	want := 10 + 0.1*(before+10*tick.Seconds()) + 0.01*(10-56)/tick.Seconds()
	assert.InDelta(t, want, out, 1e-9)
}

func TestPIDResetMatchesFreshController(t *testing.T) {
	mock := clock.NewMock()
	g := Gains{Kp: 1, Ki: 0.1, Kd: 0.01}
	b := Bounds{Min: 0, Max: 100}
	used := NewPID(g, b, WithClock(mock))
	for i := 0; i < 20; i++ {
		mock.Add(tick)
		used.Update(float64(i))
	}
	used.Reset()
	fresh := NewPID(g, b, WithClock(mock))
	assert.Zero(t, used.Integral())

	for _, e := range []float64{5, 3, -2} {
		mock.Add(tick)
		assert.Equal(t, fresh.Update(e), used.Update(e))
	}
}

func TestPIDNonFiniteErrorLeavesStateAlone(t *testing.T) {
	mock := clock.NewMock()
	pid := NewPID(Gains{Kp: 1, Ki: 1}, Bounds{Min: -5, Max: 5}, WithClock(mock))
	mock.Add(tick)
	pid.Update(1)
	integral := pid.Integral()

	mock.Add(tick)
	assert.Equal(t, -5., pid.Update(math.NaN()))
	assert.Equal(t, -5., pid.Update(math.Inf(1)))
	assert.Equal(t, integral, pid.Integral())
}

func TestPIDZeroElapsedTimeUsesFloor(t *testing.T) {
	mock := clock.NewMock()
	pid := NewPID(Gains{Ki: 1}, Bounds{Min: -1e6, Max: 1e6}, WithClock(mock))
	out := pid.Update(2)
	assert.False(t, math.IsNaN(out))
	assert.InDelta(t, 2*minDt.Seconds(), pid.Integral(), 1e-12)
}

func TestPIDSetGainsConcurrentWithUpdate(t *testing.T) {
	pid := NewPID(Gains{Kp: 1}, Bounds{Min: 0, Max: 100}, WithPIDLogger(zaptest.NewLogger(t).Sugar()))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			pid.SetGains(Gains{Kp: float64(i), Ki: 0.1})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			out := pid.Update(1)
			assert.GreaterOrEqual(t, out, 0.)
		}
	}()
	wg.Wait()
	assert.Equal(t, 99., pid.Gains().Kp)
}
