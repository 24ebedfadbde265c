// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package dataplane

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// ChannelServer is the enforcement point side of the control channel. It
// applies frames from the coordinator to a RuleCache. Only peers running as
// root or as AllowedUID may connect.
type ChannelServer struct {
	cache      *RuleCache
	allowedUID int
	listener   *net.UnixListener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewChannelServer listens on socket, replacing a stale socket file.
func NewChannelServer(socket string, cache *RuleCache, allowedUID int) (*ChannelServer, error) {
	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: socket, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", socket, err)
	}
	if err := os.Chmod(socket, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return &ChannelServer{
		cache:      cache,
		allowedUID: allowedUID,
		listener:   l,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the socket path.
func (s *ChannelServer) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until Close.
func (s *ChannelServer) Serve() error {
	log.Infof("Enforcement point listening on %s", s.Addr())
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		uid, err := peerUID(conn)
		if err != nil || (uid != 0 && int(uid) != s.allowedUID) {
			log.WithFields(log.Fields{"uid": uid, "error": err}).Warn("Rejected control channel peer")
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func peerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, credErr
	}
	return cred.Uid, nil
}

func (s *ChannelServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		f, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debugf("Control channel read failed: %v", err)
				_ = WriteAck(conn, StatusBadFrame)
			}
			return
		}
		if err := WriteAck(conn, s.apply(f)); err != nil {
			return
		}
	}
}

// apply executes one frame against the cache and returns the ack status.
func (s *ChannelServer) apply(f Frame) uint32 {
	if f.Op != OpPing && f.Kind != policy.KindNetwork && f.Kind != policy.KindDevice {
		return StatusRejected
	}

	switch f.Op {
	case OpPing:
		return StatusOK
	case OpPush:
		switch f.Kind {
		case policy.KindNetwork:
			var rec NetworkRecord
			if len(f.Payload) != NetworkRecordSize || rec.UnmarshalBinary(f.Payload) != nil {
				return StatusBadFrame
			}
			s.cache.PutNetwork(rec)
		case policy.KindDevice:
			var rec DeviceRecord
			if len(f.Payload) != DeviceRecordSize || rec.UnmarshalBinary(f.Payload) != nil {
				return StatusBadFrame
			}
			s.cache.PutDevice(rec)
		}
		return StatusOK
	case OpRemove:
		if len(f.Payload) != 8 {
			return StatusBadFrame
		}
		s.cache.Remove(f.Kind, binary.LittleEndian.Uint64(f.Payload))
		return StatusOK
	case OpClear:
		s.cache.Clear(f.Kind)
		return StatusOK
	case OpReset:
		s.cache.Reset(f.Kind)
		log.WithField("kind", f.Kind.String()).Warn("Enforcement lifted until cleared")
		return StatusOK
	default:
		return StatusRejected
	}
}

// Close stops accepting and closes every open connection.
func (s *ChannelServer) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
