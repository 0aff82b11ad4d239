package comm_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcichos/lab-control/comm"
)

// lineServer answers every line with reply(line) + "\r\n"
func lineServer(t *testing.T, reply func(string) string) string {
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
					resp := reply(sc.Text())
					if resp == "" {
						continue
					}
					c.Write([]byte(resp + "\r\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvStripsTerminators(t *testing.T) {
	addr := lineServer(t, func(s string) string { return "echo " + s })
	rd := comm.NewRemoteDevice(addr, nil)
	require.NoError(t, rd.Open(context.Background()))
	defer rd.Close()

	for _, cmd := range []string{"FPAR 1 2.5", "FPAR 1 0"} {
		resp, err := rd.SendRecv(context.Background(), []byte(cmd))
		require.NoError(t, err)
		assert.Equal(t, "echo "+cmd, string(resp))
	}
}

func TestNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", nil)
	_, err := rd.SendRecv(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, comm.ErrNotConnected)
	assert.ErrorIs(t, rd.Send(context.Background(), []byte("x")), comm.ErrNotConnected)
	assert.False(t, rd.Connected())
	assert.NoError(t, rd.Close())
}

func TestOpenRefusedFailsFast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	rd := comm.NewRemoteDevice(addr, nil)
	start := time.Now()
	err = rd.Open(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, strings.Contains(err.Error(), addr))
}

func TestExchangeHonorsContextDeadline(t *testing.T) {
	addr := lineServer(t, func(string) string { return "" })
	rd := comm.NewRemoteDevice(addr, nil)
	require.NoError(t, rd.Open(context.Background()))
	defer rd.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := rd.SendRecv(ctx, []byte("FPAR 1 1"))
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseIsIdempotent(t *testing.T) {
	addr := lineServer(t, func(s string) string { return s })
	rd := comm.NewRemoteDevice(addr, nil)
	require.NoError(t, rd.Open(context.Background()))
	assert.True(t, rd.Connected())
	assert.NoError(t, rd.Close())
	assert.NoError(t, rd.Close())
	assert.False(t, rd.Connected())
}
