// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

// registry maps stream IDs to the connection currently carrying each
// stream. It holds at most one connection per ID. Not safe for
// concurrent use; the Coordinator guards it with its mutex and closes
// displaced connections after releasing the lock.
type registry struct {
	connections map[string]Connection
	changed     func(delta int)
}

func newRegistry(changed func(delta int)) *registry {
	return &registry{
		connections: make(map[string]Connection),
		changed:     changed,
	}
}

func (r *registry) get(id string) Connection {
	return r.connections[id]
}

// holds reports whether conn is the connection registered under id.
func (r *registry) holds(id string, conn Connection) bool {
	current, ok := r.connections[id]
	return ok && current == conn
}

// replace installs conn under id and returns the connection it
// displaced, if any. The caller must close the returned connection.
func (r *registry) replace(id string, conn Connection) Connection {
	previous, ok := r.connections[id]
	r.connections[id] = conn
	if !ok {
		r.notify(1)
	}
	return previous
}

// remove deletes and returns the connection under id.
func (r *registry) remove(id string) Connection {
	conn, ok := r.connections[id]
	if !ok {
		return nil
	}
	delete(r.connections, id)
	r.notify(-1)
	return conn
}

// drain empties the registry and returns everything it held.
func (r *registry) drain() []Connection {
	drained := make([]Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		drained = append(drained, conn)
	}
	clear(r.connections)
	r.notify(-len(drained))
	return drained
}

// snapshot copies the current contents.
func (r *registry) snapshot() map[string]Connection {
	copied := make(map[string]Connection, len(r.connections))
	for id, conn := range r.connections {
		copied[id] = conn
	}
	return copied
}

func (r *registry) notify(delta int) {
	if r.changed != nil && delta != 0 {
		r.changed(delta)
	}
}
