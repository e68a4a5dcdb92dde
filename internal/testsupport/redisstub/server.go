// Package redisstub runs a small in-process RESP2 server that understands the
// subset of Redis used by the chunk store and the login rate limiter,
// including WATCH/MULTI/EXEC optimistic transactions.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	strings  map[string]string
	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	expiry   map[string]time.Time
	versions map[string]uint64
	commands map[string]int
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		strings:  make(map[string]string),
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		expiry:   make(map[string]time.Time),
		versions: make(map[string]uint64),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// CommandCount reports how many times the named command was executed.
func (s *Server) CommandCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(name)]
}

// Keys lists every live key matching the given prefix, sorted.
func (s *Server) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.versions {
		if !strings.HasPrefix(key, prefix) || !s.existsLocked(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
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
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

// connState tracks per-connection authentication and transaction state.
type connState struct {
	authenticated bool
	watched       map[string]uint64
	inMulti       bool
	queued        [][]string
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	state := &connState{authenticated: s.opts.Password == ""}
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		reply := s.handleCommand(state, args)
		if err := writeReply(writer, reply); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handleCommand(state *connState, args []string) interface{} {
	if len(args) == 0 {
		return errorReply("ERR wrong number of arguments")
	}
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "HELLO":
		// RESP3 is not implemented; clients fall back to RESP2.
		return errorReply("ERR unknown command 'HELLO'")
	case "AUTH":
		return s.auth(state, args)
	case "PING":
		if !state.authenticated {
			return errorReply("NOAUTH Authentication required.")
		}
		return simpleString("PONG")
	}
	if !state.authenticated {
		return errorReply("NOAUTH Authentication required.")
	}

	switch cmd {
	case "SELECT", "CLIENT":
		return simpleString("OK")
	case "MULTI":
		if state.inMulti {
			return errorReply("ERR MULTI calls can not be nested")
		}
		state.inMulti = true
		state.queued = nil
		return simpleString("OK")
	case "DISCARD":
		if !state.inMulti {
			return errorReply("ERR DISCARD without MULTI")
		}
		state.inMulti = false
		state.queued = nil
		state.watched = nil
		return simpleString("OK")
	case "EXEC":
		if !state.inMulti {
			return errorReply("ERR EXEC without MULTI")
		}
		return s.exec(state)
	case "WATCH":
		if state.inMulti {
			return errorReply("ERR WATCH inside MULTI is not allowed")
		}
		if len(args) < 2 {
			return errorReply("ERR wrong number of arguments for 'watch'")
		}
		s.mu.Lock()
		if state.watched == nil {
			state.watched = make(map[string]uint64)
		}
		for _, key := range args[1:] {
			state.watched[key] = s.versions[key]
		}
		s.mu.Unlock()
		return simpleString("OK")
	case "UNWATCH":
		state.watched = nil
		return simpleString("OK")
	}

	if state.inMulti {
		state.queued = append(state.queued, args)
		return simpleString("QUEUED")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeLocked(args)
}

func (s *Server) auth(state *connState, args []string) interface{} {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return errorReply("ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password == "" || password == s.opts.Password {
		state.authenticated = true
		return simpleString("OK")
	}
	return errorReply("WRONGPASS invalid username-password pair")
}

func (s *Server) exec(state *connState) interface{} {
	queued := state.queued
	watched := state.watched
	state.inMulti = false
	state.queued = nil
	state.watched = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, version := range watched {
		if s.versions[key] != version {
			return nilArray{}
		}
	}
	replies := make([]interface{}, 0, len(queued))
	for _, args := range queued {
		replies = append(replies, s.executeLocked(args))
	}
	return replies
}

func (s *Server) executeLocked(args []string) interface{} {
	cmd := strings.ToUpper(args[0])
	s.commands[cmd]++
	switch cmd {
	case "GET":
		if len(args) != 2 {
			return arityError(cmd)
		}
		value, ok := s.getLocked(args[1])
		if !ok {
			return nilBulk{}
		}
		return value
	case "MGET":
		if len(args) < 2 {
			return arityError(cmd)
		}
		out := make([]interface{}, 0, len(args)-1)
		for _, key := range args[1:] {
			if value, ok := s.getLocked(key); ok {
				out = append(out, value)
			} else {
				out = append(out, nilBulk{})
			}
		}
		return out
	case "SET":
		if len(args) < 3 {
			return arityError(cmd)
		}
		s.deleteLocked(args[1])
		s.strings[args[1]] = args[2]
		s.touchLocked(args[1])
		return simpleString("OK")
	case "DEL":
		if len(args) < 2 {
			return arityError(cmd)
		}
		var removed int64
		for _, key := range args[1:] {
			if s.existsLocked(key) {
				removed++
			}
			s.deleteLocked(key)
		}
		return removed
	case "EXISTS":
		if len(args) < 2 {
			return arityError(cmd)
		}
		var count int64
		for _, key := range args[1:] {
			if s.existsLocked(key) {
				count++
			}
		}
		return count
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return arityError(cmd)
		}
		hash := s.hashes[args[1]]
		if hash == nil {
			hash = make(map[string]string)
			s.hashes[args[1]] = hash
		}
		var added int64
		for i := 2; i+1 < len(args); i += 2 {
			if _, exists := hash[args[i]]; !exists {
				added++
			}
			hash[args[i]] = args[i+1]
		}
		s.touchLocked(args[1])
		return added
	case "HGET":
		if len(args) != 3 {
			return arityError(cmd)
		}
		value, ok := s.hashes[args[1]][args[2]]
		if !ok {
			return nilBulk{}
		}
		return value
	case "HDEL":
		if len(args) < 3 {
			return arityError(cmd)
		}
		hash := s.hashes[args[1]]
		var removed int64
		for _, field := range args[2:] {
			if _, ok := hash[field]; ok {
				delete(hash, field)
				removed++
			}
		}
		if removed > 0 {
			if len(hash) == 0 {
				delete(s.hashes, args[1])
			}
			s.touchLocked(args[1])
		}
		return removed
	case "HGETALL":
		if len(args) != 2 {
			return arityError(cmd)
		}
		hash := s.hashes[args[1]]
		fields := make([]string, 0, len(hash))
		for field := range hash {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		out := make([]interface{}, 0, len(fields)*2)
		for _, field := range fields {
			out = append(out, field, hash[field])
		}
		return out
	case "HKEYS":
		if len(args) != 2 {
			return arityError(cmd)
		}
		hash := s.hashes[args[1]]
		out := make([]interface{}, 0, len(hash))
		for field := range hash {
			out = append(out, field)
		}
		return out
	case "HLEN":
		if len(args) != 2 {
			return arityError(cmd)
		}
		return int64(len(s.hashes[args[1]]))
	case "SADD":
		if len(args) < 3 {
			return arityError(cmd)
		}
		set := s.sets[args[1]]
		if set == nil {
			set = make(map[string]struct{})
			s.sets[args[1]] = set
		}
		var added int64
		for _, member := range args[2:] {
			if _, ok := set[member]; !ok {
				set[member] = struct{}{}
				added++
			}
		}
		s.touchLocked(args[1])
		return added
	case "SREM":
		if len(args) < 3 {
			return arityError(cmd)
		}
		set := s.sets[args[1]]
		var removed int64
		for _, member := range args[2:] {
			if _, ok := set[member]; ok {
				delete(set, member)
				removed++
			}
		}
		if removed > 0 {
			if len(set) == 0 {
				delete(s.sets, args[1])
			}
			s.touchLocked(args[1])
		}
		return removed
	case "SMEMBERS":
		if len(args) != 2 {
			return arityError(cmd)
		}
		members := make([]string, 0, len(s.sets[args[1]]))
		for member := range s.sets[args[1]] {
			members = append(members, member)
		}
		sort.Strings(members)
		out := make([]interface{}, 0, len(members))
		for _, member := range members {
			out = append(out, member)
		}
		return out
	case "INCR":
		if len(args) != 2 {
			return arityError(cmd)
		}
		current, _ := s.getLocked(args[1])
		value, err := strconv.ParseInt(defaultString(current, "0"), 10, 64)
		if err != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		value++
		expiry, hasExpiry := s.expiry[args[1]]
		s.strings[args[1]] = strconv.FormatInt(value, 10)
		if hasExpiry {
			s.expiry[args[1]] = expiry
		}
		s.touchLocked(args[1])
		return value
	case "EXPIRE":
		if len(args) != 3 {
			return arityError(cmd)
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return errorReply("ERR value is not an integer or out of range")
		}
		if !s.existsLocked(args[1]) {
			return int64(0)
		}
		s.expiry[args[1]] = time.Now().Add(time.Duration(seconds) * time.Second)
		s.touchLocked(args[1])
		return int64(1)
	case "TTL":
		if len(args) != 2 {
			return arityError(cmd)
		}
		if !s.existsLocked(args[1]) {
			return int64(-2)
		}
		expiry, ok := s.expiry[args[1]]
		if !ok {
			return int64(-1)
		}
		return int64(time.Until(expiry) / time.Second)
	default:
		return errorReply(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) getLocked(key string) (string, bool) {
	if s.expiredLocked(key) {
		s.deleteLocked(key)
		return "", false
	}
	value, ok := s.strings[key]
	return value, ok
}

func (s *Server) existsLocked(key string) bool {
	if s.expiredLocked(key) {
		s.deleteLocked(key)
		return false
	}
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	_, ok := s.sets[key]
	return ok
}

func (s *Server) expiredLocked(key string) bool {
	expiry, ok := s.expiry[key]
	return ok && !time.Now().Before(expiry)
}

func (s *Server) deleteLocked(key string) {
	_, isString := s.strings[key]
	_, isHash := s.hashes[key]
	_, isSet := s.sets[key]
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.expiry, key)
	if isString || isHash || isSet {
		s.touchLocked(key)
	}
}

func (s *Server) touchLocked(key string) {
	s.versions[key]++
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func arityError(cmd string) errorReply {
	return errorReply(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

type simpleString string

type errorReply string

type nilBulk struct{}

type nilArray struct{}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, reply interface{}) error {
	var err error
	switch v := reply.(type) {
	case simpleString:
		_, err = fmt.Fprintf(w, "+%s\r\n", string(v))
	case errorReply:
		_, err = fmt.Fprintf(w, "-%s\r\n", string(v))
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case string:
		if _, err = fmt.Fprintf(w, "$%d\r\n", len(v)); err == nil {
			if _, err = w.WriteString(v); err == nil {
				_, err = w.WriteString("\r\n")
			}
		}
	case nilBulk:
		_, err = w.WriteString("$-1\r\n")
	case nilArray:
		_, err = w.WriteString("*-1\r\n")
	case []interface{}:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeReply(w, item); err != nil {
				return err
			}
		}
	default:
		err = fmt.Errorf("unsupported reply type %T", reply)
	}
	return err
}
