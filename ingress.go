package starmap

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const ingressBufferSize = 65536

// Ingress is the dispatcher's single inbound result stream. Workers dial
// its address and push gob-framed Results, one stream per connection.
type Ingress struct {
	ln       net.Listener
	returnIP string
	ch       chan *Result
	done     chan struct{}

	// mu excludes in-flight Inject senders while Close tears the
	// channel down
	mu     sync.RWMutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// BindIngress opens the ingress on the given port (0 picks an ephemeral
// one). returnIP is the address advertised to workers.
func BindIngress(returnIP string, port int) (*Ingress, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind ingress: %w", err)
	}
	in := &Ingress{
		ln:       ln,
		returnIP: returnIP,
		ch:       make(chan *Result, ingressBufferSize),
		done:     make(chan struct{}),
	}
	in.wg.Add(1)
	go in.acceptLoop()
	return in, nil
}

// Addr returns the address workers push results to.
func (in *Ingress) Addr() string {
	port := in.ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("%s:%d", in.returnIP, port)
}

// Results returns the inbound stream. There is no ordering across tasks;
// within one connection results arrive in emission order.
func (in *Ingress) Results() <-chan *Result {
	return in.ch
}

// Inject puts a dispatcher-synthesized result (e.g. a WorkerLost failure)
// onto the stream. Safe against a concurrent Close: the read lock keeps
// the channel open for the duration of the send, and the done channel
// unblocks senders once teardown starts.
func (in *Ingress) Inject(res *Result) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed.Load() {
		return
	}
	select {
	case in.ch <- res:
	case <-in.done:
	}
}

// Close stops accepting and tears down the stream. Idempotent.
func (in *Ingress) Close() error {
	if in.closed.Swap(true) {
		return nil
	}
	close(in.done)
	// the write lock is a barrier: it waits out senders that passed the
	// closed check before the flag flipped
	in.mu.Lock()
	in.mu.Unlock()
	err := in.ln.Close()
	in.wg.Wait()
	close(in.ch)
	return err
}

func (in *Ingress) acceptLoop() {
	defer in.wg.Done()
	for {
		conn, err := in.ln.Accept()
		if err != nil {
			return
		}
		in.wg.Add(1)
		go in.readLoop(conn)
	}
}

func (in *Ingress) readLoop(conn net.Conn) {
	defer in.wg.Done()
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	for {
		var res Result
		if err := dec.Decode(&res); err != nil {
			// EOF or a worker died mid-frame; a lost worker is detected
			// by the in-flight accounting
			return
		}
		select {
		case in.ch <- &res:
		case <-in.done:
			return
		}
	}
}

// ResultSender is the worker-side end of the ingress: one connection, one
// gob stream.
type ResultSender struct {
	conn net.Conn
	enc  *gob.Encoder
	mu   sync.Mutex
}

// DialIngress connects to the dispatcher's ingress, retrying with
// exponential backoff for a few seconds to ride out dispatcher startup.
func DialIngress(backurl string) (*ResultSender, error) {
	var conn net.Conn
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		var err error
		conn, err = net.DialTimeout("tcp", backurl, 2*time.Second)
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("dial ingress %s: %w", backurl, err)
	}
	return &ResultSender{conn: conn, enc: gob.NewEncoder(conn)}, nil
}

// Send pushes one result onto the ingress.
func (s *ResultSender) Send(res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(res)
}

// Close closes the connection.
func (s *ResultSender) Close() error {
	return s.conn.Close()
}
