// Package respd 提供嵌入式 Redis 协议键空间（redcon），
// 仅实现 redis 存储所需的列表与哈希命令，用于开发运行与测试。
package respd

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/redcon"

	"projective/internal/diag"
)

// Server: 内存键空间 + redcon 网络循环。
type Server struct {
	log *diag.Logger

	mu     sync.RWMutex
	lists  map[string][][]byte
	hashes map[string]map[string][]byte

	lnMu sync.Mutex
	ln   net.Listener
}

// New 构造空键空间；logger 可为 nil。
func New(logger *diag.Logger) *Server {
	return &Server{
		log:    logger,
		lists:  make(map[string][][]byte),
		hashes: make(map[string]map[string][]byte),
	}
}

// Serve 在 ln 上服务直到 ln 关闭。
func (s *Server) Serve(ln net.Listener) error {
	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()
	err := redcon.Serve(ln, s.Handle, func(redcon.Conn) bool { return true }, nil)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ListenAndServe 监听 addr，ctx 结束时关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t := s.log.StartWith("respd", "listen "+ln.Addr().String(), "", "")
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	err = s.Serve(ln)
	t.Finish("closed", 0)
	return err
}

// Start 在随机端口启动（测试用），返回地址与关闭函数。
func (s *Server) Start() (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	go func() { _ = s.Serve(ln) }()
	return ln.Addr().String(), func() { _ = ln.Close() }, nil
}

// Handle 执行一条命令并写回应答；可作为其他 redcon 服务的处理函数。
func (s *Server) Handle(conn redcon.Conn, cmd redcon.Command) {
	name := strings.ToLower(string(cmd.Args[0]))
	args := cmd.Args[1:]
	switch name {
	case "ping":
		switch len(args) {
		case 0:
			conn.WriteString("PONG")
		case 1:
			conn.WriteBulk(args[0])
		default:
			wrongArgs(conn, name)
		}
	case "quit":
		conn.WriteString("OK")
		conn.Close()
	case "llen":
		if len(args) != 1 {
			wrongArgs(conn, name)
			return
		}
		s.mu.RLock()
		n := len(s.lists[string(args[0])])
		s.mu.RUnlock()
		conn.WriteInt(n)
	case "rpush":
		if len(args) < 2 {
			wrongArgs(conn, name)
			return
		}
		key := string(args[0])
		s.mu.Lock()
		for _, v := range args[1:] {
			s.lists[key] = append(s.lists[key], clone(v))
		}
		n := len(s.lists[key])
		s.mu.Unlock()
		conn.WriteInt(n)
	case "lrange":
		if len(args) != 3 {
			wrongArgs(conn, name)
			return
		}
		start, err1 := strconv.Atoi(string(args[1]))
		stop, err2 := strconv.Atoi(string(args[2]))
		if err1 != nil || err2 != nil {
			conn.WriteError("ERR value is not an integer or out of range")
			return
		}
		s.mu.RLock()
		items := s.lists[string(args[0])]
		a, b := redisRange(len(items), start, stop)
		conn.WriteArray(b - a)
		for _, v := range items[a:b] {
			conn.WriteBulk(v)
		}
		s.mu.RUnlock()
	case "hset":
		if len(args) < 3 || len(args)%2 != 1 {
			wrongArgs(conn, name)
			return
		}
		s.mu.Lock()
		h := s.hash(string(args[0]))
		added := 0
		for i := 1; i < len(args); i += 2 {
			f := string(args[i])
			if _, ok := h[f]; !ok {
				added++
			}
			h[f] = clone(args[i+1])
		}
		s.mu.Unlock()
		conn.WriteInt(added)
	case "hsetnx":
		if len(args) != 3 {
			wrongArgs(conn, name)
			return
		}
		s.mu.Lock()
		h := s.hash(string(args[0]))
		f := string(args[1])
		set := 0
		if _, ok := h[f]; !ok {
			h[f] = clone(args[2])
			set = 1
		}
		s.mu.Unlock()
		conn.WriteInt(set)
	case "hget":
		if len(args) != 2 {
			wrongArgs(conn, name)
			return
		}
		s.mu.RLock()
		v, ok := s.hashes[string(args[0])][string(args[1])]
		s.mu.RUnlock()
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulk(v)
	case "hdel":
		if len(args) < 2 {
			wrongArgs(conn, name)
			return
		}
		s.mu.Lock()
		h := s.hashes[string(args[0])]
		n := 0
		for _, f := range args[1:] {
			if _, ok := h[string(f)]; ok {
				delete(h, string(f))
				n++
			}
		}
		if h != nil && len(h) == 0 {
			delete(s.hashes, string(args[0]))
		}
		s.mu.Unlock()
		conn.WriteInt(n)
	case "del":
		if len(args) < 1 {
			wrongArgs(conn, name)
			return
		}
		s.mu.Lock()
		n := 0
		for _, k := range args {
			key := string(k)
			if _, ok := s.lists[key]; ok {
				delete(s.lists, key)
				n++
			}
			if _, ok := s.hashes[key]; ok {
				delete(s.hashes, key)
				n++
			}
		}
		s.mu.Unlock()
		conn.WriteInt(n)
	case "flushall":
		s.mu.Lock()
		s.lists = make(map[string][][]byte)
		s.hashes = make(map[string]map[string][]byte)
		s.mu.Unlock()
		conn.WriteString("OK")
	default:
		conn.WriteError("ERR unknown command '" + name + "'")
	}
}

func (s *Server) hash(key string) map[string][]byte {
	h := s.hashes[key]
	if h == nil {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	return h
}

func wrongArgs(conn redcon.Conn, name string) {
	conn.WriteError("ERR wrong number of arguments for '" + name + "' command")
}

// redcon 复用参数缓冲区，保存前必须复制。
func clone(b []byte) []byte { return append([]byte(nil), b...) }

// redisRange 按 LRANGE 语义（含负索引、闭区间）换算为切片下标 [a,b)。
func redisRange(n, start, stop int) (int, int) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	start = max(start, 0)
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0
	}
	return start, stop + 1
}
