package board

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPercentToVolts(t *testing.T) {
	cases := map[float64]float64{
		0:   0,
		50:  5,
		100: 10,
		150: 10,
		-3:  0,
	}
	for pct, volts := range cases {
		assert.Equal(t, volts, PercentToVolts(pct), "%g %%", pct)
	}
}

func TestMockRecordsCommands(t *testing.T) {
	m := NewMock(zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	assert.ErrorIs(t, m.ApplyCommand(ctx, 10), ErrNotConnected)

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.ApplyCommand(ctx, 10))
	require.NoError(t, m.ApplyCommand(ctx, 42))
	assert.Equal(t, []float64{10, 42}, m.Commands())

	p, err := m.Power()
	require.NoError(t, err)
	assert.Equal(t, 42., p)
	v, err := m.Parameter(ctx, LaserParameter)
	require.NoError(t, err)
	assert.InDelta(t, 4.2, v, 1e-12)
}

func TestMockInjectedFailure(t *testing.T) {
	m := NewMock(nil)
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	boom := errors.New("dac fault")
	m.FailWith(boom)
	assert.ErrorIs(t, m.ApplyCommand(ctx, 1), boom)
	assert.Empty(t, m.Commands())
	m.FailWith(nil)
	assert.NoError(t, m.ApplyCommand(ctx, 1))
}

// fakeBoard emulates the line protocol of an ASCII board
type fakeBoard struct {
	mu     sync.Mutex
	params map[int]float64
	lines  []string
	reject bool
}

func (f *fakeBoard) reply(line string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	fields := strings.Fields(line)
	switch {
	case line == "PROC?":
		return "T12"
	case len(fields) == 3 && fields[0] == "FPAR":
		if f.reject {
			return "ERR"
		}
		n, _ := strconv.Atoi(fields[1])
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return "ERR"
		}
		f.params[n] = v
		return "OK"
	case len(fields) == 2 && fields[0] == "FPAR?":
		n, _ := strconv.Atoi(fields[1])
		return fmt.Sprint(f.params[n])
	}
	return "ERR"
}

func (f *fakeBoard) serve(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					c.Write([]byte(f.reply(sc.Text()) + "\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestASCIIApplyCommand(t *testing.T) {
	fb := &fakeBoard{params: map[int]float64{}}
	b := NewASCII(fb.serve(t), false, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect()

	require.NoError(t, b.ApplyCommand(ctx, 25))
	v, err := b.Parameter(ctx, LaserParameter)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
	p, _ := b.Power()
	assert.Equal(t, 25., p)

	fb.mu.Lock()
	assert.Contains(t, fb.lines, "FPAR 1 2.500000")
	fb.mu.Unlock()

	resp, err := b.Raw(ctx, "NOPE")
	require.NoError(t, err)
	assert.Equal(t, "ERR", resp)
}

func TestASCIIRejectedWrite(t *testing.T) {
	fb := &fakeBoard{params: map[int]float64{}, reject: true}
	b := NewASCII(fb.serve(t), false, nil)
	ctx := context.Background()
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect()

	err := b.ApplyCommand(ctx, 50)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
	p, _ := b.Power()
	assert.Zero(t, p)
}

func TestASCIINotConnected(t *testing.T) {
	b := NewASCII("127.0.0.1:1", false, nil)
	assert.ErrorIs(t, b.ApplyCommand(context.Background(), 5), ErrNotConnected)
	assert.NoError(t, b.Disconnect())
}

func TestHTTPPower(t *testing.T) {
	m := NewMock(nil)
	require.NoError(t, m.Connect(context.Background()))
	r := chi.NewRouter()
	NewHTTPWrapper(m).RT().Bind(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/power", "application/json", strings.NewReader(`{"f64": 30}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []float64{30}, m.Commands())

	resp, err = http.Get(srv.URL + "/parameter/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload struct {
		F64 float64 `json:"f64"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, 3., payload.F64)

	resp2, err := http.Get(srv.URL + "/parameter/x")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
