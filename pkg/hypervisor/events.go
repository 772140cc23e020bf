// Copyright 2025 The virtglass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hypervisor

import (
	"fmt"
	"sync"

	"libvirt.org/go/libvirt"
)

// LifecycleEvent describes a domain state-change notification.
type LifecycleEvent struct {
	Domain string
	Type   libvirt.DomainEventType
	Detail int
}

func (e LifecycleEvent) String() string {
	return fmt.Sprintf("domain=%s type=%d detail=%d", e.Domain, e.Type, e.Detail)
}

// eventStream owns the libvirt event loop goroutine and fans events out to
// subscribers over a channel, so callbacks never run subscriber code on
// libvirt's own thread.
type eventStream struct {
	conn       *Connection
	callbackID int

	ch   chan LifecycleEvent
	done chan struct{}

	subsMu sync.Mutex
	subs   []func(LifecycleEvent)
}

var eventLoopOnce sync.Once

// SubscribeLifecycle registers cb for domain lifecycle notifications.
// The first subscription starts the libvirt default event loop and registers
// a single lifecycle callback; later subscriptions share the same stream.
func (c *Connection) SubscribeLifecycle(cb func(LifecycleEvent)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return err
	}

	if c.events == nil {
		stream, err := newEventStream(c)
		if err != nil {
			return err
		}
		c.events = stream
	}

	c.events.subsMu.Lock()
	c.events.subs = append(c.events.subs, cb)
	c.events.subsMu.Unlock()
	return nil
}

func newEventStream(c *Connection) (*eventStream, error) {
	var loopErr error
	eventLoopOnce.Do(func() {
		if err := libvirt.EventRegisterDefaultImpl(); err != nil {
			loopErr = fmt.Errorf("%w: register event loop: %v", ErrConnection, err)
			return
		}
		go func() {
			for {
				if err := libvirt.EventRunDefaultImpl(); err != nil {
					c.log.Error("libvirt event loop iteration failed", "error", err)
					return
				}
			}
		}()
	})
	if loopErr != nil {
		return nil, loopErr
	}

	s := &eventStream{
		conn: c,
		ch:   make(chan LifecycleEvent, 64),
		done: make(chan struct{}),
	}

	if err := s.register(c.conn); err != nil {
		return nil, err
	}

	go s.dispatch()
	return s, nil
}

// register installs the lifecycle callback on the given handle. Called once
// at stream creation and again after every reconnect, because a replaced
// handle silently drops its registrations.
func (s *eventStream) register(conn *libvirt.Connect) error {
	id, err := conn.DomainEventLifecycleRegister(nil,
		func(_ *libvirt.Connect, d *libvirt.Domain, ev *libvirt.DomainEventLifecycle) {
			name, nerr := d.GetName()
			if nerr != nil {
				return
			}
			event := LifecycleEvent{Domain: name, Type: ev.Event, Detail: ev.Detail}
			select {
			case s.ch <- event:
			default:
				// Subscriber backlog; dropping is preferable to blocking
				// libvirt's event thread.
				s.conn.log.Warn("dropping lifecycle event", "event", event.String())
			}
		})
	if err != nil {
		return fmt.Errorf("%w: register lifecycle callback: %v", ErrConnection, err)
	}
	s.callbackID = id
	return nil
}

func (s *eventStream) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.subsMu.Lock()
			subs := make([]func(LifecycleEvent), len(s.subs))
			copy(subs, s.subs)
			s.subsMu.Unlock()
			for _, cb := range subs {
				cb(ev)
			}
		}
	}
}

func (s *eventStream) stop() {
	if s.conn.conn != nil {
		_ = s.conn.conn.DomainEventDeregister(s.callbackID)
	}
	close(s.done)
}
