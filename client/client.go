// Package client implements the key-holding side of the encrypted
// inference protocol. The client negotiates keys with the server, encrypts
// its inputs, evaluates the activations the server delegates to it and
// decrypts the final result.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"os"
	"sync"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/halilibrahimkanpak/he_inference/he"
	"github.com/halilibrahimkanpak/he_inference/packing"
	"github.com/halilibrahimkanpak/he_inference/timing"
	"github.com/halilibrahimkanpak/he_inference/wire"
)

// ErrNotDone is returned by Results before the session has finished.
var ErrNotDone = errors.New("results not available before completion")

// MaxParameterSize bounds the number of input ciphertexts a server may
// ask for.
const MaxParameterSize = 1 << 20

// Config configures a client session.
type Config struct {
	BatchSize      int
	ComplexPacking bool
	Verbose        bool
	// Logger defaults to a standard logger on stderr.
	Logger *log.Logger
}

// Client is one protocol session. Messages are dispatched sequentially;
// the accessors may be called from any goroutine.
type Client struct {
	cfg    Config
	log    *log.Logger
	inputs []float64

	mu      sync.Mutex
	state   State
	status  Status
	err     error
	results []float64
	conn    *wire.Conn

	he    *he.Context
	codec *packing.Codec

	doneOnce sync.Once
	done     chan struct{}
	timing   *timing.Timing
}

// New creates a client that will encrypt inputs once the server announces
// how many ciphertexts it expects.
func New(cfg Config, inputs []float64) (*Client, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size %d", packing.ErrUnsupported, cfg.BatchSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "client: ", log.LstdFlags)
	}
	return &Client{
		cfg:    cfg,
		log:    logger,
		inputs: append([]float64(nil), inputs...),
		state:  Connecting,
		done:   make(chan struct{}),
		timing: timing.NewTiming(),
	}, nil
}

// Dial connects to addr and runs the session in the background. Use Wait
// or Done to learn when it has finished.
func Dial(ctx context.Context, addr string, cfg Config, inputs []float64) (*Client, error) {
	c, err := New(cfg, inputs)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", addr, err)
	}
	go func() {
		if err := c.Run(ctx, wire.NewConn(nc)); err != nil {
			c.log.Printf("session failed: %v", err)
		}
	}()
	return c, nil
}

// Run dispatches messages from conn until the session is done. It returns
// nil when the session ended with StatusOK.
func (c *Client) Run(ctx context.Context, conn *wire.Conn) error {
	c.mu.Lock()
	c.conn = conn
	if c.state == Connecting {
		c.state = AwaitingParameters
	}
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for !c.IsDone() {
		msg, err := conn.ReadMessage()
		if err != nil {
			if c.IsDone() {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection closed before completion: %w", io.ErrUnexpectedEOF)
			}
			c.complete(StatusError, err)
			return err
		}
		replies, err := c.HandleMessage(msg)
		if err != nil {
			return err
		}
		for _, reply := range replies {
			if err := conn.WriteMessage(reply); err != nil {
				err = fmt.Errorf("error sending %s: %w", reply.Type, err)
				c.complete(StatusError, err)
				return err
			}
		}
	}
	return c.Err()
}

// HandleMessage is the single dispatch path of the session. It returns the
// messages to send back. A non-nil error is fatal and ends the session
// with StatusError.
func (c *Client) HandleMessage(msg *wire.Message) ([]*wire.Message, error) {
	state := c.State()
	if state == Done {
		c.debugf("ignoring %s after completion", msg)
		return nil, nil
	}
	if !msg.Type.Valid() {
		c.log.Printf("ignoring unknown message type %s", msg.Type)
		return nil, nil
	}
	if !state.accepts(msg.Type) {
		c.log.Printf("ignoring %s in state %s", msg.Type, state)
		return nil, nil
	}
	c.debugf("received %s in state %s", msg, state)

	var replies []*wire.Message
	var err error
	switch msg.Type {
	case wire.EncryptionParameters:
		replies, err = c.handleParameters(msg)
	case wire.ParameterSize:
		replies, err = c.handleParameterSize(msg)
	case wire.ReluRequest, wire.Relu6Request:
		act, _ := activationFor(msg.Type)
		replies, err = c.handleActivation(act, msg)
	case wire.MaxRequest:
		replies, err = c.handleMax(msg)
	case wire.Result:
		err = c.handleResult(msg)
	case wire.None:
		c.complete(StatusOK, nil)
	}
	if err != nil {
		err = fmt.Errorf("handling %s: %w", msg.Type, err)
		c.complete(StatusError, err)
		return nil, err
	}
	return replies, nil
}

func (c *Client) handleParameters(msg *wire.Message) ([]*wire.Message, error) {
	defer c.timing.Measure("keygen")()

	var params ckks.Parameters
	if err := msg.Decode(&params); err != nil {
		return nil, err
	}
	ctx := he.NewClientContext(params)
	codec, err := packing.NewCodec(ctx, c.cfg.BatchSize, c.cfg.ComplexPacking)
	if err != nil {
		return nil, err
	}
	pk, err := wire.NewObjectMessage(wire.PublicKey, ctx.PublicKey())
	if err != nil {
		return nil, err
	}
	evk, err := wire.NewObjectMessage(wire.EvalKey, ctx.RelinearizationKey())
	if err != nil {
		return nil, err
	}

	c.he = ctx
	c.codec = codec
	c.setState(KeyExchange)
	if c.cfg.Verbose {
		fp, err := he.Fingerprint(params)
		if err != nil {
			return nil, err
		}
		c.log.Printf("parameters %s: logN=%d, slots=%d, levels=%d",
			fp, params.LogN(), params.MaxSlots(), params.MaxLevel()+1)
	}
	return []*wire.Message{pk, evk}, nil
}

func (c *Client) handleParameterSize(msg *wire.Message) ([]*wire.Message, error) {
	defer c.timing.Measure("encrypt")()

	size, err := msg.Scalar()
	if err != nil {
		return nil, err
	}
	if size > MaxParameterSize {
		return nil, fmt.Errorf("%w: parameter size %d exceeds %d", packing.ErrUnsupported, size, MaxParameterSize)
	}
	n := int(size)
	batch := c.codec.Lanes()
	if len(c.inputs) > n*batch {
		c.log.Printf("warning: %d inputs exceed parameter size %d x batch size %d; extra inputs are dropped",
			len(c.inputs), n, batch)
	}

	cts := make([]*rlwe.Ciphertext, n)
	err = he.ParallelFor(context.Background(), n, func(i int) error {
		chunk := he.GetFloat64Buffer(batch)
		defer he.PutFloat64Buffer(chunk)
		if start := i * batch; start < len(c.inputs) {
			copy(chunk, c.inputs[start:min(start+batch, len(c.inputs))])
		}
		return c.he.WithWorker(func(w *he.Worker) (err error) {
			cts[i], err = c.codec.EncryptLanes(w, chunk)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	reply, err := wire.NewCiphertextMessage(wire.Execute, cts)
	if err != nil {
		return nil, err
	}
	c.setState(AwaitingWork)
	return []*wire.Message{reply}, nil
}

func (c *Client) handleActivation(act Activation, msg *wire.Message) ([]*wire.Message, error) {
	c.setState(HandlingRequest)
	defer c.timing.Measure(act.String())()

	cts, err := msg.Ciphertexts()
	if err != nil {
		return nil, err
	}
	if err := c.codec.CheckCiphertexts(cts); err != nil {
		return nil, err
	}
	lanes := c.codec.PaddedLanes()
	out := make([]*rlwe.Ciphertext, len(cts))
	err = he.ParallelFor(context.Background(), len(cts), func(i int) error {
		return c.he.WithWorker(func(w *he.Worker) error {
			values, err := c.codec.DecryptLanes(w, cts[i], lanes)
			if err != nil {
				return fmt.Errorf("ciphertext %d: %w", i, err)
			}
			for j, v := range values {
				values[j] = act.Apply(v)
			}
			out[i], err = c.codec.EncryptLanes(w, values)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	reply, err := wire.NewCiphertextMessage(wire.ReluResult, out)
	if err != nil {
		return nil, err
	}
	c.setState(AwaitingWork)
	return []*wire.Message{reply}, nil
}

func (c *Client) handleMax(msg *wire.Message) ([]*wire.Message, error) {
	c.setState(HandlingRequest)
	defer c.timing.Measure("max")()

	cts, err := msg.Ciphertexts()
	if err != nil {
		return nil, err
	}
	if err := c.codec.CheckCiphertexts(cts); err != nil {
		return nil, err
	}
	if len(cts) == 0 {
		return nil, fmt.Errorf("%w: max over no ciphertexts", packing.ErrSizeMismatch)
	}
	lanes := c.codec.PaddedLanes()
	decrypted := make([][]float64, len(cts))
	err = he.ParallelFor(context.Background(), len(cts), func(i int) error {
		return c.he.WithWorker(func(w *he.Worker) (err error) {
			decrypted[i], err = c.codec.DecryptLanes(w, cts[i], lanes)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	// [lane][cipher] reduced along the cipher axis.
	maxima := make([]float64, lanes)
	for lane := range maxima {
		maxima[lane] = math.Inf(-1)
		for _, values := range decrypted {
			maxima[lane] = math.Max(maxima[lane], values[lane])
		}
	}

	var ct *rlwe.Ciphertext
	err = c.he.WithWorker(func(w *he.Worker) (err error) {
		ct, err = c.codec.EncryptLanes(w, maxima)
		return err
	})
	if err != nil {
		return nil, err
	}
	reply, err := wire.NewCiphertextMessage(wire.MaxResult, []*rlwe.Ciphertext{ct})
	if err != nil {
		return nil, err
	}
	c.setState(AwaitingWork)
	return []*wire.Message{reply}, nil
}

func (c *Client) handleResult(msg *wire.Message) error {
	defer c.timing.Measure("decrypt")()

	cts, err := msg.Ciphertexts()
	if err != nil {
		return err
	}
	if err := c.codec.CheckCiphertexts(cts); err != nil {
		return err
	}
	batch := c.codec.Lanes()
	decoded := make([][]float64, len(cts))
	err = he.ParallelFor(context.Background(), len(cts), func(i int) error {
		return c.he.WithWorker(func(w *he.Worker) (err error) {
			decoded[i], err = c.codec.DecryptLanes(w, cts[i], batch)
			return err
		})
	})
	if err != nil {
		return err
	}

	results := make([]float64, 0, len(cts)*batch)
	for _, values := range decoded {
		results = append(results, values...)
	}
	c.mu.Lock()
	c.results = results
	c.mu.Unlock()

	c.complete(StatusOK, nil)
	return nil
}

// complete ends the session exactly once and closes the connection.
func (c *Client) complete(status Status, err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.state = Done
		c.status = status
		c.err = err
		if status != StatusOK {
			c.results = nil
		}
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if err != nil {
			c.log.Printf("session ended: %v", err)
		} else {
			c.debugf("session ended: %s", status)
		}
		close(c.done)
	})
}

// Close ends a session that has not finished yet with StatusError.
func (c *Client) Close() error {
	c.complete(StatusError, errors.New("client closed"))
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Done {
		c.state = s
	}
}

func (c *Client) debugf(format string, v ...interface{}) {
	if c.cfg.Verbose {
		c.log.Printf(format, v...)
	}
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns how the session ended, or StatusPending.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error that ended the session, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsDone reports whether the session has finished.
func (c *Client) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the session has finished.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the session has finished or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the decrypted results, batch index varying fastest
// within each result ciphertext.
func (c *Client) Results() ([]float64, error) {
	if !c.IsDone() {
		return nil, ErrNotDone
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusOK {
		return nil, c.err
	}
	return append([]float64(nil), c.results...), nil
}

// Timing returns the per-phase timing of the session.
func (c *Client) Timing() *timing.Timing {
	return c.timing
}

// IOStats returns the transfer statistics of the session's connection.
func (c *Client) IOStats() wire.IOStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return wire.IOStats{}
	}
	return c.conn.Stats()
}
