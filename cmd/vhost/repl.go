package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tcp-tcp-team-pa/pkg/socket"
)

const fileChunk = 4096

// repl runs the line-oriented command interface over one stack.
type repl struct {
	stack *socket.Stack
	out   io.Writer
	log   *zap.Logger

	mu        sync.Mutex
	conns     map[int]*socket.Conn
	listeners map[int]*socket.Listener
	wg        sync.WaitGroup
}

func newREPL(stack *socket.Stack, out io.Writer, log *zap.Logger) *repl {
	return &repl{
		stack:     stack,
		out:       out,
		log:       log,
		conns:     make(map[int]*socket.Conn),
		listeners: make(map[int]*socket.Listener),
	}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run executes commands from in until it ends or ctx is cancelled.
func (r *repl) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := r.exec(ctx, scanner.Text()); err != nil {
			r.printf("error: %v\n", err)
		}
	}
}

// wait blocks until background commands finish.
func (r *repl) wait() { r.wg.Wait() }

func (r *repl) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "ls":
		r.list()
		return nil
	case "a":
		return r.accept(ctx, args)
	case "c":
		return r.connect(ctx, args)
	case "s":
		return r.send(ctx, line, args)
	case "r":
		return r.recv(ctx, args)
	case "sf":
		return r.sendFile(ctx, args)
	case "rf":
		return r.recvFile(ctx, args)
	case "cl":
		return r.close(args)
	case "ab":
		return r.abort(args)
	case "help":
		r.printf("%s", usage)
		return nil
	}
	return errors.Errorf("invalid command %q, try help", fields[0])
}

const usage = `a <port>                 listen on port and accept connections
c <vip> <port>           connect to vip:port
ls                       list sockets
s <sid> <data>           send data on socket
r <sid> <n>              read up to n bytes from socket
sf <file> <vip> <port>   send file to vip:port
rf <file> <port>         receive one file on port
cl <sid>                 close socket
ab <sid>                 abort socket
`

func (r *repl) list() {
	var b strings.Builder
	fmt.Fprintf(&b, "%-4s %-15s %-6s %-15s %-6s %s\n", "SID", "LAddr", "LPort", "RAddr", "RPort", "Status")
	for _, s := range r.stack.Sockets() {
		fmt.Fprintf(&b, "%-4d %-15s %-6d %-15s %-6d %s\n",
			s.ID, s.Local.Addr(), s.Local.Port(), s.Remote.Addr(), s.Remote.Port(), s.State)
	}
	r.printf("%s", b.String())
}

func (r *repl) accept(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: a <port>")
	}
	port, err := parsePort(args[0])
	if err != nil {
		return err
	}
	l, err := r.stack.Listen(port)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.listeners[l.ID()] = l
	r.mu.Unlock()
	r.printf("Created listen socket with ID %d\n", l.ID())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			c, err := l.Accept(ctx)
			if err != nil {
				return
			}
			r.mu.Lock()
			r.conns[c.ID()] = c
			r.mu.Unlock()
			r.printf("New connection on socket %d => created new socket %d\n", l.ID(), c.ID())
		}
	}()
	return nil
}

func (r *repl) connect(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: c <vip> <port>")
	}
	addr, port, err := parseAddrPort(args[0], args[1])
	if err != nil {
		return err
	}
	c, err := r.stack.Connect(ctx, addr, port)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
	r.printf("Created new socket with ID %d\n", c.ID())
	return nil
}

// send writes everything after the socket id, spaces included.
func (r *repl) send(ctx context.Context, line string, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: s <sid> <data>")
	}
	c, err := r.conn(args[0])
	if err != nil {
		return err
	}
	data := strings.TrimLeft(line, " \t")
	data = strings.TrimLeft(strings.TrimPrefix(data, "s"), " \t")
	data = strings.TrimLeft(strings.TrimPrefix(data, args[0]), " \t")
	n, err := c.WriteContext(ctx, []byte(data))
	if err != nil {
		return err
	}
	r.printf("Sent %d bytes\n", n)
	return nil
}

func (r *repl) recv(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: r <sid> <n>")
	}
	c, err := r.conn(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.ParseUint(args[1], 10, 31)
	if err != nil || n == 0 {
		return errors.Errorf("bad byte count %q", args[1])
	}
	buf := make([]byte, n)
	read, err := c.ReadContext(ctx, buf)
	if err == io.EOF {
		r.printf("Read 0 bytes: EOF\n")
		return nil
	}
	if err != nil {
		return err
	}
	r.printf("Read %d bytes: %s\n", read, buf[:read])
	return nil
}

func (r *repl) sendFile(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: sf <file> <vip> <port>")
	}
	addr, port, err := parseAddrPort(args[1], args[2])
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return errors.Wrap(err, "opening file")
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer f.Close()
		c, err := r.stack.Connect(ctx, addr, port)
		if err != nil {
			r.printf("error: sf: %v\n", err)
			return
		}
		r.mu.Lock()
		r.conns[c.ID()] = c
		r.mu.Unlock()
		sent, err := io.CopyBuffer(connWriter{ctx, c}, f, make([]byte, fileChunk))
		if err != nil {
			r.log.Error("sf: write failed", zap.Int("sid", c.ID()), zap.Error(err))
			c.Abort()
			r.printf("error: sf: %v\n", err)
			return
		}
		c.Close()
		r.printf("Sent %d total bytes\n", sent)
	}()
	return nil
}

func (r *repl) recvFile(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: rf <file> <port>")
	}
	port, err := parsePort(args[1])
	if err != nil {
		return err
	}
	f, err := os.Create(args[0])
	if err != nil {
		return errors.Wrap(err, "creating file")
	}
	l, err := r.stack.Listen(port)
	if err != nil {
		f.Close()
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer f.Close()
		c, err := l.Accept(ctx)
		l.Close()
		if err != nil {
			r.printf("error: rf: %v\n", err)
			return
		}
		r.mu.Lock()
		r.conns[c.ID()] = c
		r.mu.Unlock()
		received, err := io.CopyBuffer(f, connReader{ctx, c}, make([]byte, fileChunk))
		if err != nil {
			r.log.Error("rf: read failed", zap.Int("sid", c.ID()), zap.Error(err))
			r.printf("error: rf: %v\n", err)
			return
		}
		c.Close()
		r.printf("Received %d total bytes\n", received)
	}()
	return nil
}

func (r *repl) close(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cl <sid>")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Errorf("bad socket id %q", args[0])
	}
	r.mu.Lock()
	l, isListener := r.listeners[id]
	delete(r.listeners, id)
	r.mu.Unlock()
	if isListener {
		return l.Close()
	}
	c, err := r.conn(args[0])
	if err != nil {
		return err
	}
	return c.Close()
}

func (r *repl) abort(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: ab <sid>")
	}
	c, err := r.conn(args[0])
	if err != nil {
		return err
	}
	c.Abort()
	return nil
}

func (r *repl) conn(sid string) (*socket.Conn, error) {
	id, err := strconv.Atoi(sid)
	if err != nil {
		return nil, errors.Errorf("bad socket id %q", sid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, errors.Errorf("no socket %d", id)
	}
	return c, nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Errorf("bad port %q", s)
	}
	return uint16(port), nil
}

func parseAddrPort(addr, port string) (netip.Addr, uint16, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Addr{}, 0, errors.Wrapf(err, "bad address %q", addr)
	}
	p, err := parsePort(port)
	return a, p, err
}

// connWriter and connReader bind a context to a Conn for io.Copy.
type connWriter struct {
	ctx context.Context
	c   *socket.Conn
}

func (w connWriter) Write(p []byte) (int, error) { return w.c.WriteContext(w.ctx, p) }

type connReader struct {
	ctx context.Context
	c   *socket.Conn
}

func (r connReader) Read(p []byte) (int, error) { return r.c.ReadContext(r.ctx, p) }
