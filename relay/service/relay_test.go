package service_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/radiofeira123-cloud/photorelay/relay/protocol"
	"github.com/radiofeira123-cloud/photorelay/relay/service"
	"github.com/radiofeira123-cloud/photorelay/relay/session"
	"github.com/radiofeira123-cloud/photorelay/relay/viewer"
)

type emitted struct {
	Event string
	Data  any
}

// MockConn records everything emitted to it.
type MockConn struct {
	id     string
	mu     sync.Mutex
	events []emitted
}

func (c *MockConn) ID() string { return c.id }

func (c *MockConn) Emit(event string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{Event: event, Data: data})
}

func (c *MockConn) Events(name string) []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emitted
	for _, e := range c.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// MockRooms is an in-memory room router delivering straight to MockConns.
type MockRooms struct {
	mu    sync.Mutex
	conns map[string]*MockConn
	rooms map[string]map[string]bool
}

func NewMockRooms() *MockRooms {
	return &MockRooms{
		conns: make(map[string]*MockConn),
		rooms: make(map[string]map[string]bool),
	}
}

func (r *MockRooms) Connect(id string) *MockConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &MockConn{id: id}
	r.conns[id] = c
	return c
}

func (r *MockRooms) Join(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]bool)
	}
	r.rooms[room][connID] = true
}

func (r *MockRooms) Broadcast(room, event string, data any, exclude string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.rooms[room] {
		if id != exclude {
			r.conns[id].Emit(event, data)
		}
	}
}

func (r *MockRooms) Members(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

type failingUploader struct{}

func (failingUploader) Upload(ctx context.Context, image string) (string, error) {
	return "", errors.New("host down")
}

func newRelay(t *testing.T, opts service.Options, uploader viewer.Uploader) (*service.Relay, *MockRooms, *session.Store) {
	t.Helper()
	sessions := session.NewStore(session.EndClear)
	viewers := viewer.NewStore(uploader, viewer.Options{})
	rooms := NewMockRooms()
	return service.NewRelay(sessions, viewers, rooms, opts), rooms, sessions
}

func decode(t *testing.T, frame string) protocol.Event {
	t.Helper()
	ev, err := protocol.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode(%s) failed: %v", frame, err)
	}
	return ev
}

func TestCreateSession(t *testing.T) {
	relay, rooms, sessions := newRelay(t, service.Options{}, nil)
	conn := rooms.Connect("op")

	relay.Handle(context.Background(), conn, protocol.CreateSession{})
	relay.Handle(context.Background(), conn, protocol.CreateSession{})

	created := conn.Events(protocol.EventSessionCreated)
	if len(created) != 2 {
		t.Fatalf("Expected 2 session_created events, got %d", len(created))
	}
	if created[0].Data == created[1].Data {
		t.Error("Each create_session must yield a distinct id")
	}
	if sessions.Count() != 2 {
		t.Errorf("Expected 2 stored sessions, got %d", sessions.Count())
	}
}

func TestCreateSession_SharedMode(t *testing.T) {
	relay, rooms, sessions := newRelay(t, service.Options{Shared: true, SharedID: "booth"}, nil)
	a := rooms.Connect("a")
	b := rooms.Connect("b")

	relay.CreateSession(a)
	relay.CreateSession(b)

	for _, c := range []*MockConn{a, b} {
		got := c.Events(protocol.EventSessionCreated)
		if len(got) != 1 || got[0].Data != "booth" {
			t.Errorf("%s: expected shared id, got %v", c.ID(), got)
		}
	}
	if sessions.Count() != 1 {
		t.Errorf("Shared mode must keep a single session, got %d", sessions.Count())
	}

	// A photo submission without a session id lands in the shared session.
	relay.JoinRoom(a, "")
	relay.SubmitPhotos(b, "", []string{"p"})
	if got := sessions.Get("booth").Photos; !reflect.DeepEqual(got, []string{"p"}) {
		t.Errorf("Expected shared session photos [p], got %v", got)
	}
	if len(a.Events(protocol.EventPhotosReady)) != 1 {
		t.Error("Member of the shared room should receive photos_ready")
	}
}

// S1: two viewers join, the phone submits twice, a late viewer joins.
func TestScenario_ReplaceAndLateJoin(t *testing.T) {
	relay, rooms, _ := newRelay(t, service.Options{}, nil)
	ctx := context.Background()
	v1 := rooms.Connect("v1")
	v2 := rooms.Connect("v2")
	phone := rooms.Connect("phone")

	relay.Handle(ctx, v1, decode(t, `{"event":"join_room","data":{"session":"S1"}}`))
	relay.Handle(ctx, v2, decode(t, `{"event":"join_room","data":"S1"}`))

	if len(v1.Events(protocol.EventPhotosReady)) != 0 {
		t.Fatal("Joining an empty session must not send photos_ready")
	}

	relay.Handle(ctx, phone, decode(t, `{"event":"photos_from_cell","data":{"session":"S1","photos":["a","b"]}}`))
	relay.Handle(ctx, phone, decode(t, `{"event":"photos_from_cell","data":{"session":"S1","photos":["c"]}}`))

	for _, c := range []*MockConn{v1, v2} {
		got := c.Events(protocol.EventPhotosReady)
		if len(got) != 2 {
			t.Fatalf("%s: expected 2 broadcasts, got %d", c.ID(), len(got))
		}
		if !reflect.DeepEqual(got[1].Data, []string{"c"}) {
			t.Errorf("%s: expected latest photos [c], got %v", c.ID(), got[1].Data)
		}
	}
	if len(phone.Events(protocol.EventPhotosReady)) != 0 {
		t.Error("Sender outside the room must not receive the broadcast")
	}

	late := rooms.Connect("late")
	relay.Handle(ctx, late, decode(t, `{"event":"join_room","data":"S1"}`))

	got := late.Events(protocol.EventPhotosReady)
	if len(got) != 1 || !reflect.DeepEqual(got[0].Data, []string{"c"}) {
		t.Errorf("Late joiner expected exactly one catch-up with [c], got %v", got)
	}
	if len(v1.Events(protocol.EventPhotosReady)) != 2 {
		t.Error("Catch-up must go to the joiner only")
	}
}

func TestSubmitPhotos_SenderInRoomReceivesBroadcast(t *testing.T) {
	relay, rooms, _ := newRelay(t, service.Options{}, nil)
	phone := rooms.Connect("phone")

	relay.JoinRoom(phone, "S1")
	relay.SubmitPhotos(phone, "S1", []string{"x"})

	if len(phone.Events(protocol.EventPhotosReady)) != 1 {
		t.Error("Broadcast must include the sender when it is a member")
	}
}

func TestSubmitPhotos_InvalidIsDropped(t *testing.T) {
	relay, rooms, sessions := newRelay(t, service.Options{}, nil)
	v := rooms.Connect("v")
	relay.JoinRoom(v, "S1")

	relay.SubmitPhotos(v, "", []string{"x"})
	relay.SubmitPhotos(v, "S1", nil)

	if len(v.Events(protocol.EventPhotosReady)) != 0 {
		t.Error("Invalid submissions must not broadcast")
	}
	if sessions.Count() != 0 {
		t.Errorf("Invalid submissions must not create sessions, got %d", sessions.Count())
	}
}

func TestEndSession(t *testing.T) {
	relay, rooms, sessions := newRelay(t, service.Options{}, nil)
	ctx := context.Background()
	v := rooms.Connect("v")
	op := rooms.Connect("op")

	relay.JoinRoom(v, "S1")
	relay.SubmitPhotos(op, "S1", []string{"a"})
	relay.Handle(ctx, op, decode(t, `{"event":"end_session","data":"S1"}`))

	ended := v.Events(protocol.EventSessionEnded)
	if len(ended) != 1 {
		t.Fatalf("Expected session_ended broadcast, got %d", len(ended))
	}
	if ended[0].Data != (service.SessionEnded{Session: "S1"}) {
		t.Errorf("Unexpected payload %v", ended[0].Data)
	}
	if got, ok := sessions.Lookup("S1"); !ok || len(got.Photos) != 0 {
		t.Errorf("Expected record kept with empty photos, got %+v (exists=%v)", got, ok)
	}

	late := rooms.Connect("late")
	relay.JoinRoom(late, "S1")
	if len(late.Events(protocol.EventPhotosReady)) != 0 {
		t.Error("Joining an ended session must not replay photos")
	}
}

func TestCreateViewer_AllUploadsFail(t *testing.T) {
	relay, rooms, _ := newRelay(t, service.Options{PublicURL: "https://booth.example/"}, failingUploader{})
	ctx := context.Background()
	op := rooms.Connect("op")

	relay.Handle(ctx, op, decode(t, `{"event":"create_viewer_session","data":{"session":"S1","photos":["p1","p2"]}}`))

	created := op.Events(protocol.EventViewerSessionCreated)
	if len(created) != 1 {
		t.Fatalf("Expected viewer_session_created, got %v", op.events)
	}
	payload := created[0].Data.(service.ViewerCreated)
	if payload.ViewerID == "" {
		t.Fatal("Expected a viewer id")
	}
	if want := "https://booth.example/viewer.html?id=" + payload.ViewerID; payload.ViewerURL != want {
		t.Errorf("ViewerURL = %q, want %q", payload.ViewerURL, want)
	}
	if rooms.Members(service.ViewerRoomPrefix+payload.ViewerID) != 1 {
		t.Error("Requester should join the viewer room")
	}

	viewerConn := rooms.Connect("guest")
	relay.Handle(ctx, viewerConn, decode(t, `{"event":"join_viewer","data":{"viewerId":"`+payload.ViewerID+`"}}`))

	ready := viewerConn.Events(protocol.EventViewerPhotosReady)
	if len(ready) != 1 {
		t.Fatalf("Expected viewer_photos_ready, got %v", viewerConn.events)
	}
	snap := ready[0].Data.(*viewer.Snapshot)
	if !reflect.DeepEqual(snap.Photos, []string{"p1", "p2"}) {
		t.Errorf("Photos changed: %v", snap.Photos)
	}
	if len(snap.UploadedURLs) != 2 || snap.UploadedURLs[0] != nil || snap.UploadedURLs[1] != nil {
		t.Errorf("Expected [nil nil] uploaded URLs, got %v", snap.UploadedURLs)
	}
}

func TestCreateViewer_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"empty photos", `{"event":"create_viewer_session","data":{"session":"S1","photos":[]}}`},
		{"photos not an array", `{"event":"create_viewer_session","data":{"session":"S1","photos":"p1"}}`},
		{"photos missing", `{"event":"create_viewer_session","data":{"session":"S1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, rooms, _ := newRelay(t, service.Options{}, nil)
			op := rooms.Connect("op")
			other := rooms.Connect("other")
			relay.JoinRoom(op, "S1")
			relay.JoinRoom(other, "S1")

			ev, err := protocol.Decode([]byte(tt.frame))
			if err != nil {
				relay.HandleInvalid(op, err)
			} else {
				relay.Handle(context.Background(), op, ev)
			}

			errs := op.Events(protocol.EventViewerSessionError)
			if len(errs) != 1 {
				t.Fatalf("Expected one viewer_session_error, got %v", op.events)
			}
			if errs[0].Data.(service.ViewerError).Error == "" {
				t.Error("Error payload must carry a message")
			}
			if len(other.events) != 0 {
				t.Error("Viewer errors must never be broadcast")
			}
			if len(op.Events(protocol.EventViewerSessionCreated)) != 0 {
				t.Error("Rejected request must not create a viewer")
			}
		})
	}
}

func TestJoinViewer_NotFound(t *testing.T) {
	relay, rooms, _ := newRelay(t, service.Options{}, nil)
	c := rooms.Connect("c")

	relay.JoinViewer(c, "missing")

	got := c.Events(protocol.EventViewerNotFound)
	if len(got) != 1 || got[0].Data != (service.ViewerNotFound{ViewerID: "missing"}) {
		t.Errorf("Expected viewer_not_found, got %v", c.events)
	}
	if rooms.Members(service.ViewerRoomPrefix+"missing") != 1 {
		t.Error("Connection should join the viewer room before the lookup")
	}
}

func TestRelayFullscreen_ExcludesSender(t *testing.T) {
	relay, rooms, _ := newRelay(t, service.Options{}, nil)
	phone := rooms.Connect("phone")
	screen := rooms.Connect("screen")
	relay.JoinRoom(phone, "S1")
	relay.JoinRoom(screen, "S1")

	relay.Handle(context.Background(), phone, decode(t, `{"event":"cell_entered_fullscreen","data":{"session":"S1"}}`))

	if len(screen.Events(protocol.EventCellEnteredFullscreen)) != 1 {
		t.Error("Other members should receive the signal")
	}
	if len(phone.Events(protocol.EventCellEnteredFullscreen)) != 0 {
		t.Error("Sender must not receive its own signal")
	}
}

func TestHandleInvalid_OtherEventsAreSilent(t *testing.T) {
	relay, rooms, _ := newRelay(t, service.Options{}, nil)
	c := rooms.Connect("c")

	for _, frame := range []string{
		`not json`,
		`{"event":"photos_from_cell","data":{"session":"S1","photos":"x"}}`,
		`{"event":"mystery"}`,
	} {
		_, err := protocol.Decode([]byte(frame))
		if err == nil {
			t.Fatalf("Expected %s to be rejected", frame)
		}
		relay.HandleInvalid(c, err)
	}

	if len(c.events) != 0 {
		t.Errorf("Invalid frames must be dropped silently, got %v", c.events)
	}
}

func TestViewerLink(t *testing.T) {
	if got := service.ViewerLink("", "X"); got != "" {
		t.Errorf("Expected no link without a base, got %q", got)
	}
	if got := service.ViewerLink("https://a.example/", "01H"); got != "https://a.example/viewer.html?id=01H" {
		t.Errorf("Unexpected link %q", got)
	}
}

func TestConcurrentJoinNeverSeesStaleCatchUp(t *testing.T) {
	relay, rooms, _ := newRelay(t, service.Options{}, nil)
	phone := rooms.Connect("phone")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			relay.SubmitPhotos(phone, "S1", []string{string(rune('a' + i%26))})
		}
	}()

	var joiners []*MockConn
	for i := 0; i < 20; i++ {
		c := rooms.Connect(string(rune('A' + i)))
		joiners = append(joiners, c)
		relay.JoinRoom(c, "S1")
	}
	wg.Wait()

	final := []string{string(rune('a' + 199%26))}
	for _, c := range joiners {
		got := c.Events(protocol.EventPhotosReady)
		if len(got) == 0 {
			continue
		}
		if last := got[len(got)-1].Data; !reflect.DeepEqual(last, final) {
			t.Errorf("%s: last photos_ready %v, want %v", c.ID(), last, final)
		}
	}
}
