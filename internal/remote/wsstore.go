package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSStore implements Store over a JSON websocket session with the hosted
// backend. Point operations are request/response frames matched by id; the
// push feed arrives as unsolicited "change" frames fanned out to local
// subscribers. Any transport failure maps to ErrUnavailable so callers fall
// through to the offline queue.
type WSStore struct {
	conn *websocket.Conn

	writeMu sync.Mutex // websocket writes are not concurrency-safe

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan wsFrame
	subs    map[int]*subscription
	nextSub int
	closed  bool
}

type wsFrame struct {
	ID     int64                     `json:"id,omitempty"`
	Kind   string                    `json:"kind"`
	Path   string                    `json:"path,omitempty"`
	Fields map[string]any            `json:"fields,omitempty"`
	Ops    []wsOp                    `json:"ops,omitempty"`
	Docs   map[string]map[string]any `json:"docs,omitempty"`
	OK     bool                      `json:"ok,omitempty"`
	Error  string                    `json:"error,omitempty"`
	Change *wsChange                 `json:"change,omitempty"`
}

type wsOp struct {
	Kind   string         `json:"kind"`
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields,omitempty"`
}

type wsChange struct {
	Kind   string         `json:"kind"`
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Dial connects to the backend and starts the read loop.
func Dial(url string) (*WSStore, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, ErrUnavailable)
	}
	s := &WSStore{
		conn:    conn,
		pending: make(map[int64]chan wsFrame),
		subs:    make(map[int]*subscription),
	}
	go s.readLoop()
	return s, nil
}

// Close tears down the session. Outstanding requests fail with
// ErrUnavailable.
func (s *WSStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *WSStore) readLoop() {
	for {
		var frame wsFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			s.failPending()
			return
		}
		if frame.Change != nil {
			s.dispatch(Change{
				Kind:   ChangeKind(frame.Change.Kind),
				Path:   frame.Change.Path,
				Fields: frame.Change.Fields,
			})
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[frame.ID]
		delete(s.pending, frame.ID)
		s.mu.Unlock()
		if ok {
			ch <- frame
		}
	}
}

// failPending unblocks every in-flight request after the connection drops.
func (s *WSStore) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		close(ch)
	}
}

func (s *WSStore) dispatch(ch Change) {
	s.mu.Lock()
	var fns []func(Change)
	for _, sub := range s.subs {
		if sub.path == ch.Path || sub.path == ParentCollection(ch.Path) {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// roundTrip sends a request frame and waits for its response or ctx.
func (s *WSStore) roundTrip(ctx context.Context, frame wsFrame) (wsFrame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wsFrame{}, ErrUnavailable
	}
	s.nextID++
	frame.ID = s.nextID
	ch := make(chan wsFrame, 1)
	s.pending[frame.ID] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, frame.ID)
		s.mu.Unlock()
		return wsFrame{}, fmt.Errorf("%s %s: %w", frame.Kind, frame.Path, ErrUnavailable)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wsFrame{}, fmt.Errorf("%s %s: %w", frame.Kind, frame.Path, ErrUnavailable)
		}
		if !resp.OK {
			if resp.Error == "not_found" {
				return wsFrame{}, fmt.Errorf("%s %s: %w", frame.Kind, frame.Path, ErrNotFound)
			}
			return wsFrame{}, fmt.Errorf("%s %s: %s: %w", frame.Kind, frame.Path, resp.Error, ErrRejected)
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, frame.ID)
		s.mu.Unlock()
		return wsFrame{}, fmt.Errorf("%s %s: %w", frame.Kind, frame.Path, ErrUnavailable)
	}
}

func (s *WSStore) Get(ctx context.Context, path string) (map[string]any, error) {
	resp, err := s.roundTrip(ctx, wsFrame{Kind: "get", Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Fields, nil
}

func (s *WSStore) List(ctx context.Context, collection string) (map[string]map[string]any, error) {
	resp, err := s.roundTrip(ctx, wsFrame{Kind: "list", Path: collection})
	if err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

func (s *WSStore) Set(ctx context.Context, path string, fields map[string]any) error {
	_, err := s.roundTrip(ctx, wsFrame{Kind: "set", Path: path, Fields: encodeFields(fields)})
	return err
}

func (s *WSStore) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := s.roundTrip(ctx, wsFrame{Kind: "update", Path: path, Fields: encodeFields(fields)})
	return err
}

func (s *WSStore) Delete(ctx context.Context, path string) error {
	_, err := s.roundTrip(ctx, wsFrame{Kind: "delete", Path: path})
	return err
}

func (s *WSStore) BatchWrite(ctx context.Context, ops []Op) error {
	wire := make([]wsOp, len(ops))
	for i, op := range ops {
		wire[i] = wsOp{Kind: string(op.Kind), Path: op.Path, Fields: encodeFields(op.Fields)}
	}
	_, err := s.roundTrip(ctx, wsFrame{Kind: "batch", Ops: wire})
	return err
}

func (s *WSStore) Subscribe(path string, onChange func(Change)) (func(), error) {
	if _, err := s.roundTrip(context.Background(), wsFrame{Kind: "subscribe", Path: path}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscription{path: path, fn: onChange}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		if _, err := s.roundTrip(context.Background(), wsFrame{Kind: "unsubscribe", Path: path}); err != nil {
			slog.Debug("unsubscribe", "path", path, "err", err)
		}
	}, nil
}

// encodeFields rewrites the array-op sentinels into their wire form
// ({"__op": "array_union", "values": [...]}); everything else passes
// through as plain JSON.
func encodeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch op := v.(type) {
		case arrayUnion:
			out[k] = map[string]any{"__op": "array_union", "values": op.values}
		case arrayRemove:
			out[k] = map[string]any{"__op": "array_remove", "values": op.values}
		case json.RawMessage:
			out[k] = string(op)
		default:
			out[k] = v
		}
	}
	return out
}
