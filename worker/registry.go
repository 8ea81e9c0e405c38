package worker

import (
	"sync"
	"syscall"
)

// member is anything the registry can terminate: a local Worker, or a process reported
// by a child that this process can only reach by PID.
type member interface {
	memberID() ID
	terminate(force bool)
	alive() bool
	osPID() int
}

// Registry is the process-wide tree of live workers, keyed by ID, each recorded under the
// worker that started it. Kill consults it to find descendants.
type Registry struct {
	mu       sync.Mutex
	members  map[ID]member
	parents  map[ID]ID
	children map[ID]map[ID]struct{}
	// doomed maps every member of a subtree being killed to that kill's sweep, so
	// registrations that race with the kill are swept too.
	doomed map[ID]*sweep

	selfID   ID
	upstream *reporter
}

func NewRegistry() *Registry {
	return &Registry{
		members:  map[ID]member{},
		parents:  map[ID]ID{},
		children: map[ID]map[ID]struct{}{},
		doomed:   map[ID]*sweep{},
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the registry workers use unless WithRegistry says otherwise.
func DefaultRegistry() *Registry { return defaultRegistry }

func (r *Registry) self() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfID
}

// setUpstream makes r forward process registrations to the supervisor of this process.
func (r *Registry) setUpstream(self ID, up *reporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfID = self
	r.upstream = up
}

// Contains reports whether id is currently registered.
func (r *Registry) Contains(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

// Parent returns the registered parent of id.
func (r *Registry) Parent(id ID) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parents[id]
	return p, ok
}

// Descendants returns every registered member below id, breadth first.
func (r *Registry) Descendants(id ID) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descendantsLocked(id)
}

func (r *Registry) descendantsLocked(id ID) []ID {
	var out []ID
	queue := []ID{id}
	seen := map[ID]bool{id: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for c := range r.children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

func (r *Registry) linkLocked(parent ID, m member) *sweep {
	id := m.memberID()
	r.members[id] = m
	if parent == "" {
		return nil
	}
	r.parents[id] = parent
	if r.children[parent] == nil {
		r.children[parent] = map[ID]struct{}{}
	}
	r.children[parent][id] = struct{}{}
	sw := r.doomed[parent]
	if sw != nil {
		r.doomed[id] = sw
	}
	return sw
}

// add registers a worker started by this process.
func (r *Registry) add(parent ID, m member) {
	r.mu.Lock()
	sw := r.linkLocked(parent, m)
	up, self := r.upstream, r.selfID
	r.mu.Unlock()

	if pid := m.osPID(); up != nil && pid > 0 {
		// descendants started here hang off this process as far as the supervisor can tell
		up.spawned(self, m.memberID(), pid)
	}
	if sw != nil {
		sw.add(m)
		m.terminate(false)
	}
}

// addRemote registers a process reported by a child process. The record is relayed upstream unchanged.
func (r *Registry) addRemote(parent, id ID, pid int, policy KillPolicy) {
	m := &remoteProcess{id: id, pid: pid, policy: policy}
	r.mu.Lock()
	if _, ok := r.members[id]; ok {
		r.mu.Unlock()
		return
	}
	sw := r.linkLocked(parent, m)
	up := r.upstream
	r.mu.Unlock()

	if up != nil {
		up.spawned(parent, id, pid)
	}
	if sw != nil {
		sw.add(m)
		m.terminate(false)
	}
}

// remove prunes id, re-parenting its children to its own parent.
func (r *Registry) remove(id ID) {
	r.mu.Lock()
	if _, ok := r.members[id]; !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(id)
	up := r.upstream
	r.mu.Unlock()

	if up != nil && id.IsProcess() {
		up.pruned(id)
	}
}

func (r *Registry) removeLocked(id ID) {
	parent, hasParent := r.parents[id]
	for c := range r.children[id] {
		if hasParent {
			r.parents[c] = parent
			r.children[parent][c] = struct{}{}
		} else {
			delete(r.parents, c)
		}
	}
	if hasParent {
		delete(r.children[parent], id)
		if len(r.children[parent]) == 0 {
			delete(r.children, parent)
		}
	}
	delete(r.children, id)
	delete(r.parents, id)
	delete(r.members, id)
	delete(r.doomed, id)
}

// doom marks the subtree below root as being killed and returns its members.
// The BFS and the marking happen under one lock acquisition.
func (r *Registry) doom(root ID) *sweep {
	sw := &sweep{seen: map[ID]bool{}}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doomed[root] = sw
	for _, id := range r.descendantsLocked(root) {
		r.doomed[id] = sw
		if m, ok := r.members[id]; ok {
			sw.addLocked(m)
		}
	}
	return sw
}

// settle forgets remote members of a finished sweep that are confirmed dead. Their own
// supervisor is gone with them, so no pruned record will ever arrive.
func (r *Registry) settle(sw *sweep) {
	for _, m := range sw.snapshot() {
		if _, remote := m.(*remoteProcess); remote && !m.alive() {
			r.remove(m.memberID())
		}
	}
}

// sweep is the set of members one Kill is responsible for. It grows when a member registers
// under a doomed parent while the kill is in progress.
type sweep struct {
	mu      sync.Mutex
	members []member
	seen    map[ID]bool
}

func (s *sweep) add(m member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(m)
}

func (s *sweep) addLocked(m member) {
	if s.seen[m.memberID()] {
		return
	}
	s.seen[m.memberID()] = true
	s.members = append(s.members, m)
}

func (s *sweep) snapshot() []member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]member(nil), s.members...)
}

func (s *sweep) survivors() []ID {
	var out []ID
	for _, m := range s.snapshot() {
		if m.alive() {
			out = append(out, m.memberID())
		}
	}
	return out
}

// remoteProcess is a descendant process this process did not start itself.
type remoteProcess struct {
	id     ID
	pid    int
	policy KillPolicy
}

func (p *remoteProcess) memberID() ID { return p.id }
func (p *remoteProcess) alive() bool  { return Alive(p.pid) }
func (p *remoteProcess) osPID() int   { return p.pid }

func (p *remoteProcess) terminate(force bool) {
	// a dead PID may already belong to someone else
	if !p.alive() {
		return
	}
	sig := p.policy.Signal
	if force {
		sig = p.policy.Force
	}
	_ = syscall.Kill(p.pid, sig)
}
