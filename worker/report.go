package worker

import (
	"io"
	"sync"

	"github.com/guseggert/teleport/capsule"
	"github.com/guseggert/teleport/wire"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame kinds on the report pipe. They share the wire frame layout with RPC messages but
// never travel over an RPC connection.
const (
	reportSpawned uint8 = 0x21
	reportPruned  uint8 = 0x22
	reportFault   uint8 = 0x23
)

type spawnedRecord struct {
	Parent ID  `msgpack:"parent"`
	Child  ID  `msgpack:"child"`
	PID    int `msgpack:"pid"`
}

type prunedRecord struct {
	ID ID `msgpack:"id"`
}

// reporter writes records to the report pipe of this process.
type reporter struct {
	mu sync.Mutex
	w  io.Writer
	// err is the first write error; once the supervisor is gone there is nobody to report to.
	err error
}

func (r *reporter) send(kind uint8, head []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.err = wire.WriteFrame(r.w, wire.Frame{Kind: kind, Head: head}, wire.DefaultLimits())
	return r.err
}

func (r *reporter) spawned(parent, child ID, pid int) {
	b, err := msgpack.Marshal(spawnedRecord{Parent: parent, Child: child, PID: pid})
	if err != nil {
		return
	}
	_ = r.send(reportSpawned, b)
}

func (r *reporter) pruned(id ID) {
	b, err := msgpack.Marshal(prunedRecord{ID: id})
	if err != nil {
		return
	}
	_ = r.send(reportPruned, b)
}

func (r *reporter) fault(f *capsule.Fault) error {
	b, err := capsule.Encode(f)
	if err != nil {
		return err
	}
	return r.send(reportFault, b)
}
