package worker

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/guseggert/teleport/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type fakeMember struct {
	id  ID
	pid int

	mu         sync.Mutex
	terminated int
	dead       bool
}

func (m *fakeMember) memberID() ID { return m.id }
func (m *fakeMember) osPID() int   { return m.pid }

func (m *fakeMember) alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.dead
}

func (m *fakeMember) terminate(force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated++
	m.dead = true
}

func (m *fakeMember) terminations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

func TestRegistryReparentsOnRemove(t *testing.T) {
	r := NewRegistry()
	a, b, c := &fakeMember{id: "thread:a"}, &fakeMember{id: "thread:b"}, &fakeMember{id: "thread:c"}
	r.add("", a)
	r.add(a.id, b)
	r.add(b.id, c)
	assert.ElementsMatch(t, []ID{b.id, c.id}, r.Descendants(a.id))

	r.remove(b.id)
	assert.False(t, r.Contains(b.id))
	parent, ok := r.Parent(c.id)
	require.True(t, ok)
	assert.Equal(t, a.id, parent)
	assert.Equal(t, []ID{c.id}, r.Descendants(a.id))

	r.remove(a.id)
	_, ok = r.Parent(c.id)
	assert.False(t, ok)
	assert.True(t, r.Contains(c.id))

	// removing twice is harmless
	r.remove(a.id)
}

func TestRegistryDoomSweepsLateRegistrations(t *testing.T) {
	r := NewRegistry()
	root, child := &fakeMember{id: "thread:root"}, &fakeMember{id: "thread:child"}
	r.add("", root)
	r.add(root.id, child)

	sw := r.doom(root.id)
	assert.Len(t, sw.snapshot(), 1)

	// a child registering under a doomed parent is terminated on the spot and joins the sweep
	late := &fakeMember{id: "thread:late"}
	r.add(child.id, late)
	assert.Equal(t, 1, late.terminations())
	assert.Len(t, sw.snapshot(), 2)

	// and so does a grandchild of it
	later := &fakeMember{id: "thread:later"}
	r.add(late.id, later)
	assert.Equal(t, 1, later.terminations())
	assert.Len(t, sw.snapshot(), 3)

	// nothing outside the subtree is touched
	bystander := &fakeMember{id: "thread:bystander"}
	r.add("", bystander)
	assert.Zero(t, bystander.terminations())
}

func TestRegistryForwardsUpstream(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry()
	r.setUpstream("proc:1", &reporter{w: &buf})
	assert.Equal(t, ID("proc:1"), r.self())

	local := &fakeMember{id: "proc:2", pid: 2}
	r.add("proc:1", local)
	// relayed records keep the parent they were reported with
	r.addRemote("proc:2", "proc:3", 3, DefaultKillPolicy())
	r.remove("proc:3")
	// threads are invisible upstream
	r.add("proc:1", &fakeMember{id: "thread:x"})

	var spawned []spawnedRecord
	var pruned []prunedRecord
	for {
		f, err := wire.ReadFrame(&buf, wire.DefaultLimits())
		if err != nil {
			break
		}
		switch f.Kind {
		case reportSpawned:
			var rec spawnedRecord
			require.NoError(t, msgpack.Unmarshal(f.Head, &rec))
			spawned = append(spawned, rec)
		case reportPruned:
			var rec prunedRecord
			require.NoError(t, msgpack.Unmarshal(f.Head, &rec))
			pruned = append(pruned, rec)
		}
	}
	assert.Equal(t, []spawnedRecord{
		{Parent: "proc:1", Child: "proc:2", PID: 2},
		{Parent: "proc:2", Child: "proc:3", PID: 3},
	}, spawned)
	assert.Equal(t, []prunedRecord{{ID: "proc:3"}}, pruned)
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}
