/*Package comm provides the line-oriented transport the output boards speak.

A RemoteDevice owns one connection, either TCP or RS-232, and serializes
request/response exchanges on it:

	rd := comm.NewRemoteDevice("192.168.1.20:5025", nil)
	if err := rd.Open(ctx); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv(ctx, []byte("FPAR 1 2.5"))

Every exchange is bounded by the context's deadline, or by Timeout if the
context has none.
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/fcichos/lab-control/util"
)

const (
	// DefaultTimeout bounds dialing and exchanges when the context has no deadline
	DefaultTimeout = 3 * time.Second

	terminator = byte('\n')
)

var (
	// ErrNotConnected is generated when Send or Recv is called before Open
	ErrNotConnected = errors.New("not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// deadliner is implemented by net.Conn
type deadliner interface {
	SetDeadline(time.Time) error
}

// RemoteDevice has an address and a line protocol.  It is safe for
// concurrent use; exchanges are strictly ordered.
type RemoteDevice struct {
	// Addr is a host:port for TCP, ignored for serial
	Addr string

	// Serial, if not nil, selects an RS-232 connection
	Serial *serial.Config

	// Timeout bounds exchanges whose context carries no deadline
	Timeout time.Duration

	// Tx and Rx are the line terminators
	Tx, Rx byte

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice with newline terminators.
// Pass a serial config to talk over RS-232 instead of TCP.
func NewRemoteDevice(addr string, conf *serial.Config) *RemoteDevice {
	return &RemoteDevice{
		Addr:    addr,
		Serial:  conf,
		Timeout: DefaultTimeout,
		Tx:      terminator,
		Rx:      terminator,
	}
}

// Open establishes the connection, retrying with exponential backoff until
// the context is done or a few seconds have passed.  A refused connection is
// not retried.
func (rd *RemoteDevice) Open(ctx context.Context) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn != nil {
		return nil
	}
	op := func() error {
		conn, err := rd.dial()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		rd.conn = conn
		rd.rd = bufio.NewReader(conn)
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
	b.Reset()
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", rd.describe())
	}
	return nil
}

func (rd *RemoteDevice) dial() (io.ReadWriteCloser, error) {
	if rd.Serial != nil {
		return serial.OpenPort(rd.Serial)
	}
	return util.TCPSetup(rd.Addr, rd.timeout())
}

func (rd *RemoteDevice) describe() string {
	if rd.Serial != nil {
		return rd.Serial.Name
	}
	return rd.Addr
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return DefaultTimeout
	}
	return rd.Timeout
}

// Connected returns true between a successful Open and Close
func (rd *RemoteDevice) Connected() bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.conn != nil
}

// Close the connection.  Closing a closed device does nothing.
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	rd.rd = nil
	return err
}

// Send writes one line to the remote
func (rd *RemoteDevice) Send(ctx context.Context, b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return ErrNotConnected
	}
	rd.arm(ctx)
	return rd.send(b)
}

// SendRecv sends a line, then returns the response with the terminator stripped
func (rd *RemoteDevice) SendRecv(ctx context.Context, b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	rd.arm(ctx)
	if err := rd.send(b); err != nil {
		return nil, err
	}
	return rd.recv()
}

// arm sets the I/O deadline on connections that support one
func (rd *RemoteDevice) arm(ctx context.Context) {
	d, ok := rd.conn.(deadliner)
	if !ok {
		return
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(rd.timeout())
	}
	d.SetDeadline(deadline)
}

func (rd *RemoteDevice) send(b []byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.Tx)
	_, err := rd.conn.Write(buf)
	return err
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	buf, err := rd.rd.ReadBytes(rd.Rx)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{rd.Rx})
	return bytes.TrimSuffix(buf, []byte{'\r'}), nil
}
