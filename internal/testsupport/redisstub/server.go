// Package redisstub runs a minimal in-process Redis server for tests. It
// speaks just enough RESP for the login rate limiter (INCR, EXPIRE, TTL) and
// the notification queue (XADD, XGROUP CREATE, XREADGROUP, XACK).
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu       sync.Mutex
	streams  map[string]*stream
	counters map[string]*counter
	closed   chan struct{}
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	values map[string]string
}

type group struct {
	next    int
	pending map[string]struct{}
}

type counter struct {
	value  int64
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	srv := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string]*stream),
		counters: make(map[string]*counter),
		closed:   make(chan struct{}),
	}
	go srv.serve()
	return srv, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

// StreamLen reports how many entries a stream holds, for assertions.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	return len(strm.entries)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authed := s.opts.Password == ""
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			replyError(writer, "ERR empty command")
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			replySimple(writer, "PONG")
		case "SELECT":
			replySimple(writer, "OK")
		case "HELLO":
			// Force clients back to RESP2 and the AUTH fallback.
			replyError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authed = true
				replySimple(writer, "OK")
			} else {
				replyError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authed {
				replyError(writer, "NOAUTH Authentication required.")
				continue
			}
			s.dispatch(writer, args)
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) {
	switch strings.ToUpper(args[0]) {
	case "INCR":
		if len(args) != 2 {
			replyError(w, "ERR wrong number of arguments for 'incr'")
			return
		}
		replyInteger(w, s.incr(args[1]))
	case "EXPIRE":
		if len(args) != 3 {
			replyError(w, "ERR wrong number of arguments for 'expire'")
			return
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			replyError(w, "ERR invalid expire time")
			return
		}
		s.expire(args[1], time.Duration(seconds)*time.Second)
		replyInteger(w, 1)
	case "TTL":
		if len(args) != 2 {
			replyError(w, "ERR wrong number of arguments for 'ttl'")
			return
		}
		replyInteger(w, s.ttl(args[1]))
	case "XADD":
		if len(args) < 5 {
			replyError(w, "ERR wrong number of arguments for 'xadd'")
			return
		}
		id := args[2]
		if id == "*" {
			id = fmt.Sprintf("%d-0", time.Now().UnixNano())
		}
		values := make(map[string]string)
		for i := 3; i+1 < len(args); i += 2 {
			values[args[i]] = args[i+1]
		}
		s.mu.Lock()
		strm := s.ensureStream(args[1])
		strm.entries = append(strm.entries, entry{id: id, values: values})
		s.mu.Unlock()
		replyBulk(w, id)
	case "XGROUP":
		if len(args) < 4 || strings.ToUpper(args[1]) != "CREATE" {
			replyError(w, "ERR only XGROUP CREATE is supported")
			return
		}
		s.mu.Lock()
		strm := s.ensureStream(args[2])
		if _, exists := strm.groups[args[3]]; exists {
			s.mu.Unlock()
			replyError(w, "BUSYGROUP Consumer Group name already exists")
			return
		}
		strm.groups[args[3]] = &group{pending: make(map[string]struct{})}
		s.mu.Unlock()
		replySimple(w, "OK")
	case "XREADGROUP":
		s.readGroupCommand(w, args)
	case "XACK":
		if len(args) < 4 {
			replyError(w, "ERR wrong number of arguments for 'xack'")
			return
		}
		replyInteger(w, s.ack(args[1], args[2], args[3:]))
	default:
		replyError(w, fmt.Sprintf("ERR unsupported command '%s'", args[0]))
	}
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[key]
	if c == nil || (!c.expiry.IsZero() && time.Now().After(c.expiry)) {
		c = &counter{}
		s.counters[key] = c
	}
	c.value++
	return c.value
}

func (s *Server) expire(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[key]
	if c == nil {
		c = &counter{}
		s.counters[key] = c
	}
	c.expiry = time.Now().Add(ttl)
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters[key]
	if c == nil || c.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(c.expiry)
	if remaining <= 0 {
		delete(s.counters, key)
		return -2
	}
	return int64(remaining / time.Second)
}

func (s *Server) ack(streamName, groupName string, ids []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	state, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	var acked int64
	for _, id := range ids {
		if _, pending := state.pending[id]; pending {
			delete(state.pending, id)
			acked++
		}
	}
	return acked
}

func (s *Server) readGroupCommand(w *bufio.Writer, args []string) {
	var groupName, streamName string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				replyError(w, "ERR syntax error")
				return
			}
			groupName = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				replyError(w, "ERR syntax error")
				return
			}
			count, _ = strconv.Atoi(args[i+1])
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				replyError(w, "ERR syntax error")
				return
			}
			blockMs, _ = strconv.Atoi(args[i+1])
			i++
		case "STREAMS":
			if i+1 >= len(args) {
				replyError(w, "ERR syntax error")
				return
			}
			streamName = args[i+1]
			i = len(args)
		}
	}
	if streamName == "" || groupName == "" {
		replyError(w, "ERR missing stream or group")
		return
	}

	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		batch := s.claim(streamName, groupName, count)
		if len(batch) > 0 {
			replyStreamBatch(w, streamName, batch)
			return
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			replyNil(w)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Server) claim(streamName, groupName string, count int) []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(streamName)
	state, ok := strm.groups[groupName]
	if !ok {
		state = &group{pending: make(map[string]struct{})}
		strm.groups[groupName] = state
	}
	if state.next >= len(strm.entries) {
		return nil
	}
	end := state.next + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	batch := make([]entry, 0, end-state.next)
	for _, e := range strm.entries[state.next:end] {
		state.pending[e.id] = struct{}{}
		batch = append(batch, e)
	}
	state.next = end
	return batch
}

func readCommand(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readInt(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulk(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readInt(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
}

func readBulk(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readInt(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	for read := 0; read < len(buf); {
		n, err := r.Read(buf[read:])
		if err != nil {
			return "", err
		}
		read += n
	}
	return string(buf[:length]), nil
}

func replySimple(w *bufio.Writer, value string) {
	fmt.Fprintf(w, "+%s\r\n", value)
	w.Flush()
}

func replyError(w *bufio.Writer, msg string) {
	fmt.Fprintf(w, "-%s\r\n", msg)
	w.Flush()
}

func replyInteger(w *bufio.Writer, value int64) {
	fmt.Fprintf(w, ":%d\r\n", value)
	w.Flush()
}

func replyBulk(w *bufio.Writer, value string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	w.Flush()
}

func replyNil(w *bufio.Writer) {
	w.WriteString("$-1\r\n")
	w.Flush()
}

func replyStreamBatch(w *bufio.Writer, streamName string, batch []entry) {
	fmt.Fprintf(w, "*1\r\n*2\r\n")
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(streamName), streamName)
	fmt.Fprintf(w, "*%d\r\n", len(batch))
	for _, e := range batch {
		fmt.Fprintf(w, "*2\r\n$%d\r\n%s\r\n", len(e.id), e.id)
		fmt.Fprintf(w, "*%d\r\n", len(e.values)*2)
		for k, v := range e.values {
			fmt.Fprintf(w, "$%d\r\n%s\r\n", len(k), k)
			fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		}
	}
	w.Flush()
}
