package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/guseggert/teleport/capsule"
	"github.com/vmihailenco/msgpack/v5"
)

// Kind is the RPC message kind carried in the frame header.
type Kind uint8

const (
	KindCall   Kind = 1
	KindResult Kind = 2
	KindError  Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResult:
		return "result"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrMalformed = errors.New("wire: malformed message")
	// ErrUnencodable is returned by Message.Frame for bodies the decoder could not read back.
	ErrUnencodable = errors.New("wire: value cannot be encoded")
)

// Message is one RPC message.
// Body holds the call arguments or the result value and may be any value the
// structured encoder supports, with string keys in every map. []byte and Array values
// reachable through maps, slices and pointers to them are shipped as raw buffers.
type Message struct {
	Kind   Kind
	CallID uint64
	Method string
	Body   any
	Fault  *capsule.Fault
}

// head is the structured part of a message.
type head struct {
	Method    string `msgpack:"method,omitempty"`
	Body      any    `msgpack:"body"`
	ErrorKind string `msgpack:"error_kind,omitempty"`
	Message   string `msgpack:"message,omitempty"`
	Trace     string `msgpack:"trace,omitempty"`
}

// placeholder keys standing in for extracted buffers
const (
	bufKey = "__teleport_buf__"
	arrKey = "__teleport_arr__"

	// user keys starting with reservedPrefix are sent with escPrefix in front, so they
	// never read back as placeholders
	reservedPrefix = "__teleport_"
	escPrefix      = "__teleport_esc__"
)

// Frame encodes m into a frame.
func (m Message) Frame() (Frame, error) {
	var bufs [][]byte
	body, err := extract(m.Body, &bufs)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	h := head{Method: m.Method, Body: body}
	if m.Fault != nil {
		h.ErrorKind = m.Fault.Kind
		h.Message = m.Fault.Message
		h.Trace = m.Fault.Trace
	}
	b, err := msgpack.Marshal(&h)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s message: %w", m.Kind, err)
	}
	return Frame{Kind: uint8(m.Kind), ID: m.CallID, Head: b, Buffers: bufs}, nil
}

// ParseMessage decodes a frame produced by Message.Frame. When the frame's head or
// buffers cannot be decoded the error wraps ErrMalformed and the returned message still
// carries the frame's kind and call id, so the peer can be answered.
func ParseMessage(f Frame) (Message, error) {
	k := Kind(f.Kind)
	m := Message{Kind: k, CallID: f.ID}
	if k < KindCall || k > KindError {
		return m, fmt.Errorf("%w: unknown kind %d", ErrMalformed, f.Kind)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(f.Head))
	dec.UseLooseInterfaceDecoding(true)
	var h head
	if err := dec.Decode(&h); err != nil {
		return m, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	m.Method = h.Method
	body, err := restore(h.Body, f.Buffers)
	if err != nil {
		return m, err
	}
	m.Body = body
	if k == KindError {
		m.Fault = &capsule.Fault{Kind: h.ErrorKind, Message: h.Message, Trace: h.Trace}
	}
	if k == KindCall && m.Method == "" {
		return m, fmt.Errorf("%w: call %d has no method", ErrMalformed, f.ID)
	}
	return m, nil
}

// extract swaps buffers for placeholders and rewrites containers into the shapes the
// decoder produces. Maps must have string keys.
func extract(v any, bufs *[][]byte) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		*bufs = append(*bufs, t)
		return map[string]any{bufKey: len(*bufs) - 1}, nil
	case Array:
		*bufs = append(*bufs, t.Data)
		return map[string]any{arrKey: len(*bufs) - 1, "dtype": t.DType, "shape": t.Shape}, nil
	case *Array:
		if t == nil {
			return nil, nil
		}
		return extract(*t, bufs)
	case msgpack.CustomEncoder, msgpack.Marshaler:
		return v, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if kt := rv.Type().Key(); kt.Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %s is not a string", ErrUnencodable, kt)
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e, err := extract(iter.Value().Interface(), bufs)
			if err != nil {
				return nil, err
			}
			out[escapeKey(iter.Key().String())] = e
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if scalar(rv.Type().Elem()) {
			return v, nil
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			e, err := extract(rv.Index(i).Interface(), bufs)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		switch rv.Elem().Kind() {
		case reflect.Map, reflect.Slice, reflect.Array:
			return extract(rv.Elem().Interface(), bufs)
		}
		return v, checkKeys(rv.Type(), map[reflect.Type]bool{})
	case reflect.Struct:
		return v, checkKeys(rv.Type(), map[reflect.Type]bool{})
	default:
		return v, nil
	}
}

func scalar(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String, reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}

// checkKeys rejects struct types whose fields hold maps without string keys. Values
// behind interface fields are only seen by the decoder.
func checkKeys(t reflect.Type, seen map[reflect.Type]bool) error {
	if seen[t] {
		return nil
	}
	seen[t] = true
	switch t.Kind() {
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key type %s is not a string", ErrUnencodable, t.Key())
		}
		return checkKeys(t.Elem(), seen)
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return checkKeys(t.Elem(), seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if sf := t.Field(i); sf.IsExported() {
				if err := checkKeys(sf.Type, seen); err != nil {
					return fmt.Errorf("field %s.%s: %w", t.Name(), sf.Name, err)
				}
			}
		}
	}
	return nil
}

func escapeKey(k string) string {
	if strings.HasPrefix(k, reservedPrefix) {
		return escPrefix + k
	}
	return k
}

func restore(v any, bufs [][]byte) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if idx, ok := t[bufKey]; ok && len(t) == 1 {
			return buffer(idx, bufs)
		}
		if idx, ok := t[arrKey]; ok {
			data, err := buffer(idx, bufs)
			if err != nil {
				return nil, err
			}
			return restoreArray(t, data)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := restore(e, bufs)
			if err != nil {
				return nil, err
			}
			out[strings.TrimPrefix(k, escPrefix)] = r
		}
		return out, nil
	case []any:
		for i, e := range t {
			r, err := restore(e, bufs)
			if err != nil {
				return nil, err
			}
			t[i] = r
		}
		return t, nil
	default:
		return v, nil
	}
}

func buffer(idx any, bufs [][]byte) ([]byte, error) {
	i, ok := toInt(idx)
	if !ok || i < 0 || i >= len(bufs) {
		return nil, fmt.Errorf("%w: buffer reference %v out of range", ErrMalformed, idx)
	}
	return bufs[i], nil
}

func restoreArray(m map[string]any, data []byte) (Array, error) {
	dtype, _ := m["dtype"].(string)
	rawShape, _ := m["shape"].([]any)
	shape := make([]int, len(rawShape))
	for i, d := range rawShape {
		n, ok := toInt(d)
		if !ok {
			return Array{}, fmt.Errorf("%w: array shape %v", ErrMalformed, m["shape"])
		}
		shape[i] = n
	}
	a := Array{DType: dtype, Shape: shape, Data: data}
	if err := a.Validate(); err != nil {
		return Array{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return a, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// Conn sends and receives messages over a byte stream.
// Send is safe for concurrent use; Receive must be called from a single goroutine.
type Conn struct {
	rwc    io.ReadWriteCloser
	r      *bufio.Reader
	limits Limits

	wmu sync.Mutex
}

func NewConn(rwc io.ReadWriteCloser, limits Limits) *Conn {
	return &Conn{rwc: rwc, r: bufio.NewReaderSize(rwc, 64<<10), limits: limits}
}

func (c *Conn) Send(m Message) error {
	f, err := m.Frame()
	if err != nil {
		return err
	}
	return c.SendFrame(f)
}

// SendFrame writes an already encoded message.
func (c *Conn) SendFrame(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.rwc, f, c.limits)
}

// Receive reads the next message. On an error wrapping ErrMalformed the frame itself was
// read whole, the stream is still usable and the message carries the frame's kind and call id.
func (c *Conn) Receive() (Message, error) {
	f, err := ReadFrame(c.r, c.limits)
	if err != nil {
		return Message{}, err
	}
	return ParseMessage(f)
}

func (c *Conn) Close() error { return c.rwc.Close() }
