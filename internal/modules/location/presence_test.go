package location

import (
	"errors"
	"sync"
	"testing"
	"time"

	"dispatch/internal/apperr"
	"dispatch/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var (
	requesterU1 = types.Actor{ID: "u1", Role: types.RoleRequester, Name: "Rahim"}
	workerM1    = types.Actor{ID: "m1", Role: types.RoleWorker, Name: "Karim"}
	workerM2    = types.Actor{ID: "m2", Role: types.RoleWorker, Name: "Jamal"}
)

func TestConnectIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Connect(workerM1, "tok-1")
	p := r.Connect(workerM1, "")

	if r.Len() != 1 {
		t.Fatalf("expected one record, got %d", r.Len())
	}
	if !p.Connected || p.DeviceToken != "tok-1" {
		t.Fatalf("unexpected presence after reconnect: %+v", p)
	}
}

func TestUpdateLocationAuthorization(t *testing.T) {
	r := NewRegistry()
	r.Connect(workerM1, "")

	cases := []struct {
		name    string
		caller  types.Actor
		target  types.ID
		lat     float64
		lng     float64
		wantErr error
	}{
		{"owner", workerM1, "m1", 23.81, 90.41, nil},
		{"other actor", workerM2, "m1", 23.81, 90.41, apperr.ErrUnauthorized},
		{"not connected", workerM2, "m2", 23.81, 90.41, apperr.ErrUnauthorized},
		{"bad latitude", workerM1, "m1", 91, 90.41, apperr.ErrInvalidCoordinate},
		{"bad longitude", workerM1, "m1", 23.81, -181, apperr.ErrInvalidCoordinate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.UpdateLocation(tc.caller, tc.target, tc.lat, tc.lng)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestUpdateLocationRejectedAfterDisconnect(t *testing.T) {
	r := NewRegistry()
	r.Connect(workerM1, "")
	r.Disconnect("m1")

	if _, err := r.UpdateLocation(workerM1, "m1", 23.81, 90.41); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	p, ok := r.Get("m1")
	if !ok || p.Connected {
		t.Fatalf("expected record kept as disconnected, got %+v ok=%v", p, ok)
	}
}

func TestNearbyOrdersByDistanceThenID(t *testing.T) {
	r := NewRegistry()
	r.Connect(requesterU1, "")
	r.Connect(workerM1, "")
	r.Connect(workerM2, "")
	far := types.Actor{ID: "m3", Role: types.RoleWorker}
	r.Connect(far, "")
	other := types.Actor{ID: "u2", Role: types.RoleRequester}
	r.Connect(other, "")

	mustUpdate(t, r, requesterU1, 23.8103, 90.4125)
	mustUpdate(t, r, workerM2, 23.8107, 90.4129)
	mustUpdate(t, r, workerM1, 23.8107, 90.4129)
	mustUpdate(t, r, far, 24.8103, 90.4125)
	mustUpdate(t, r, other, 23.8104, 90.4125)

	got, err := r.Nearby("u1", 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 workers in range, got %+v", got)
	}
	if got[0].ActorID != "m1" || got[1].ActorID != "m2" {
		t.Fatalf("expected tie broken by id, got %s then %s", got[0].ActorID, got[1].ActorID)
	}
	if got[0].DistanceKm != 0.06 {
		t.Fatalf("expected 0.06 km, got %v", got[0].DistanceKm)
	}
}

func TestNearbySkipsDisconnected(t *testing.T) {
	r := NewRegistry()
	r.Connect(requesterU1, "")
	r.Connect(workerM1, "")
	mustUpdate(t, r, requesterU1, 23.8103, 90.4125)
	mustUpdate(t, r, workerM1, 23.8107, 90.4129)
	r.Disconnect("m1")

	got, err := r.Nearby("u1", 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
}

func TestNearbyUnknownActor(t *testing.T) {
	r := NewRegistry()
	r.Connect(requesterU1, "")
	if _, err := r.Nearby("u1", 10); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found without a position, got %v", err)
	}
	if _, err := r.Nearby("ghost", 10); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReapHonoursGraceWindow(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry()
	r.now = clock.Now

	r.Connect(workerM1, "")
	r.Connect(workerM2, "")
	r.Disconnect("m1")

	clock.Advance(4 * time.Minute)
	if got := r.Reap(5 * time.Minute); len(got) != 0 {
		t.Fatalf("reaped inside grace window: %+v", got)
	}

	clock.Advance(time.Minute)
	got := r.Reap(5 * time.Minute)
	if len(got) != 1 || got[0].ActorID != "m1" {
		t.Fatalf("expected m1 reaped, got %+v", got)
	}
	if _, ok := r.Get("m2"); !ok {
		t.Fatalf("connected actor must survive the reaper")
	}
}

func TestReconnectCancelsReap(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry()
	r.now = clock.Now

	r.Connect(workerM1, "")
	r.Disconnect("m1")
	clock.Advance(3 * time.Minute)
	r.Connect(workerM1, "")
	clock.Advance(10 * time.Minute)

	if got := r.Reap(5 * time.Minute); len(got) != 0 {
		t.Fatalf("reconnected actor was reaped: %+v", got)
	}
}

func TestConcurrentUpdatesDistinctActors(t *testing.T) {
	r := NewRegistry()
	actors := make([]types.Actor, 20)
	for i := range actors {
		actors[i] = types.Actor{ID: types.ID(string(rune('a' + i))), Role: types.RoleWorker}
		r.Connect(actors[i], "")
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, a := range actors {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 50; i++ {
				if _, err := r.UpdateLocation(a, a.ID, 23.8+float64(i)/1000, 90.4); err != nil {
					t.Errorf("update %s: %v", a.ID, err)
					return
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	last := 49
	want := 23.8 + float64(last)/1000
	for _, a := range actors {
		p, _ := r.Get(a.ID)
		if p.Position.Lat != want {
			t.Fatalf("actor %s ended on %v", a.ID, p.Position)
		}
	}
}

func mustUpdate(t *testing.T, r *Registry, a types.Actor, lat, lng float64) {
	t.Helper()
	if _, err := r.UpdateLocation(a, a.ID, lat, lng); err != nil {
		t.Fatalf("update %s: %v", a.ID, err)
	}
}
