/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package kvstoretest provides a fake key-value backend implementing the
// command and pipeline protocol subset the service uses. It is intended for
// tests.
package kvstoretest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

// Server is a fake key-value backend.
type Server struct {
	mu    sync.Mutex
	lists map[string][]string // head is the newest element
	strs  map[string]string
	ttls  map[string]int

	// FailCommands maps a command name to an error message: every invocation
	// of that command fails with it. Used for fault injection.
	FailCommands map[string]string
	// Down makes the server answer 503 to everything.
	Down bool

	httpSrv *httptest.Server
}

// NewServer starts a fake backend.
func NewServer() *Server {
	s := &Server{
		lists:        make(map[string][]string),
		strs:         make(map[string]string),
		ttls:         make(map[string]int),
		FailCommands: make(map[string]string),
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// Close shuts the fake backend down.
func (s *Server) Close() {
	s.httpSrv.Close()
}

// URL returns the backend base URL.
func (s *Server) URL() string {
	return s.httpSrv.URL
}

// SetList replaces the list stored under key; values are given newest first.
func (s *Server) SetList(key string, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append([]string(nil), values...)
}

// List returns a copy of the list stored under key, newest first.
func (s *Server) List(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[key]...)
}

// TTL returns the expiry set on key, or 0 when none was set.
func (s *Server) TTL(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[key]
}

// ListKeyCount returns how many keys currently exist in the list namespace.
func (s *Server) ListKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists)
}

type cmdResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (s *Server) serveHTTP(rw http.ResponseWriter, r *http.Request) {
	if s.Down {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if strings.HasSuffix(r.URL.Path, "/pipeline") {
		var cmds [][]interface{}
		if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(rw).Encode(cmdResponse{Error: "invalid pipeline body"})
			return
		}
		resps := make([]cmdResponse, 0, len(cmds))
		for _, cmd := range cmds {
			resps = append(resps, s.exec(cmd))
		}
		_ = json.NewEncoder(rw).Encode(resps)
		return
	}

	var cmd []interface{}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(cmdResponse{Error: "invalid command body"})
		return
	}
	resp := s.exec(cmd)
	if resp.Error != "" {
		rw.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) exec(cmd []interface{}) cmdResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(cmd) == 0 {
		return cmdResponse{Error: "empty command"}
	}
	name, _ := cmd[0].(string)
	name = strings.ToUpper(name)

	if msg, ok := s.FailCommands[name]; ok {
		return cmdResponse{Error: msg}
	}

	arg := func(i int) string {
		if i >= len(cmd) {
			return ""
		}
		switch v := cmd[i].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", cmd[i])
	}
	argInt := func(i int) int {
		var n int
		_, _ = fmt.Sscanf(arg(i), "%d", &n)
		return n
	}

	switch name {
	case "PING":
		return cmdResponse{Result: "PONG"}
	case "LPUSH":
		key := arg(1)
		s.lists[key] = append([]string{arg(2)}, s.lists[key]...)
		return cmdResponse{Result: len(s.lists[key])}
	case "EXPIRE":
		key := arg(1)
		if _, ok := s.lists[key]; !ok {
			if _, ok := s.strs[key]; !ok {
				return cmdResponse{Result: 0}
			}
		}
		s.ttls[key] = argInt(2)
		return cmdResponse{Result: 1}
	case "LRANGE":
		list := s.lists[arg(1)]
		start, stop := argInt(2), argInt(3)
		if stop < 0 {
			stop += len(list)
		}
		if start < 0 {
			start += len(list)
		}
		if start < 0 {
			start = 0
		}
		if stop >= len(list) {
			stop = len(list) - 1
		}
		out := []string{}
		for i := start; i <= stop && i < len(list); i++ {
			out = append(out, list[i])
		}
		return cmdResponse{Result: out}
	case "LLEN":
		return cmdResponse{Result: len(s.lists[arg(1)])}
	case "KEYS":
		pattern := arg(1)
		prefix := strings.TrimSuffix(pattern, "*")
		keys := []string{}
		for k := range s.lists {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		for k := range s.strs {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		return cmdResponse{Result: keys}
	case "DEL":
		key := arg(1)
		deleted := 0
		if _, ok := s.lists[key]; ok {
			delete(s.lists, key)
			deleted++
		}
		if _, ok := s.strs[key]; ok {
			delete(s.strs, key)
			deleted++
		}
		delete(s.ttls, key)
		if deleted > 1 {
			deleted = 1
		}
		return cmdResponse{Result: deleted}
	case "GET":
		if v, ok := s.strs[arg(1)]; ok {
			return cmdResponse{Result: v}
		}
		return cmdResponse{Result: nil}
	case "SET":
		s.strs[arg(1)] = arg(2)
		return cmdResponse{Result: "OK"}
	}
	return cmdResponse{Error: fmt.Sprintf("unknown command %q", name)}
}
