package starmap

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hazardlab/starmap/config"
)

// submitAck is the reply of a remote worker to a task submission.
type submitAck struct {
	OK  bool
	Err string
}

// remotePool submits tasks to the configured worker hosts in a round-robin
// cycle, over one lazy connection per host kept open for the life of the
// Starmap. A task pins itself to a host through its monitor's Host field.
type remotePool struct {
	hosts    []config.Host
	ctrlPort int

	mu    sync.Mutex
	conns map[string]*remoteConn
	next  int
}

type remoteConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newRemotePool(hosts []config.Host, ctrlPort int) *remotePool {
	if len(hosts) == 0 {
		return nil
	}
	return &remotePool{
		hosts:    hosts,
		ctrlPort: ctrlPort,
		conns:    map[string]*remoteConn{},
	}
}

// Submit sends the spec to its pinned host, or to the next host in the
// cycle, and waits for the ack. Request-reply: a refused submission
// surfaces here, not on the ingress.
func (p *remotePool) Submit(spec *TaskSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	host := spec.Mon.Host
	if host == "" {
		host = p.hosts[p.next%len(p.hosts)].Name
		p.next++
	}
	rc, err := p.connLocked(host)
	if err != nil {
		return &BackendUnavailableError{Backend: string(BackendRemote), Reason: err.Error()}
	}
	if err := rc.enc.Encode(spec); err != nil {
		delete(p.conns, host)
		return &BackendUnavailableError{Backend: string(BackendRemote),
			Reason: fmt.Sprintf("submit to %s: %v", host, err)}
	}
	var ack submitAck
	if err := rc.dec.Decode(&ack); err != nil {
		delete(p.conns, host)
		return &BackendUnavailableError{Backend: string(BackendRemote),
			Reason: fmt.Sprintf("ack from %s: %v", host, err)}
	}
	if !ack.OK {
		return &BackendUnavailableError{Backend: string(BackendRemote), Reason: ack.Err}
	}
	return nil
}

func (p *remotePool) connLocked(host string) (*remoteConn, error) {
	if rc, ok := p.conns[host]; ok {
		return rc, nil
	}
	addr := fmt.Sprintf("%s:%d", host, p.ctrlPort)
	var conn net.Conn
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	err := backoff.Retry(func() error {
		var err error
		conn, err = net.DialTimeout("tcp", addr, 2*time.Second)
		return err
	}, bo)
	if err != nil {
		return nil, fmt.Errorf("worker host %s is down: %w", host, err)
	}
	rc := &remoteConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
	p.conns[host] = rc
	return rc, nil
}

// Close drops the host connections.
func (p *remotePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for host, rc := range p.conns {
		rc.conn.Close()
		delete(p.conns, host)
	}
}

// ServeWorker runs a remote worker pool: it accepts task submissions on
// addr, acks each one, and executes at most concurrency tasks at a time,
// pushing results to the ingress address each task carries. It returns when
// the context is cancelled.
func ServeWorker(ctx context.Context, addr string, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind worker ctrl port: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			// unblock the submission reader once the context ends
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			serveSubmissions(ctx, conn, sem, &wg)
		}()
	}
}

func serveSubmissions(ctx context.Context, conn net.Conn, sem chan struct{}, wg *sync.WaitGroup) {
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	for {
		var spec TaskSpec
		if err := dec.Decode(&spec); err != nil {
			return
		}
		if _, ok := Lookup(spec.Func); !ok {
			enc.Encode(submitAck{Err: fmt.Sprintf("unknown task %q", spec.Func)})
			continue
		}
		if err := enc.Encode(submitAck{OK: true}); err != nil {
			return
		}
		wg.Add(1)
		go func(spec TaskSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() == nil {
				RunTask(&spec)
			}
		}(spec)
	}
}
